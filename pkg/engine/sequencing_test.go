package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/rivulet-ai/rivulet/pkg/domain"
)

// Property: for any linear chain and any number of injected inputs, every
// input produces exactly one client-facing output carrying its sequence, all
// of them from the terminal node.
func TestLinearChainSequencingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chainLen := rapid.IntRange(1, 5).Draw(rt, "chain_len")
		injections := rapid.IntRange(1, 20).Draw(rt, "injections")

		nodes := make([]string, chainLen)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%d", i)
		}
		var conns [][2]string
		for i := 0; i < chainLen-1; i++ {
			conns = append(conns, [2]string{nodes[i], nodes[i+1]})
		}

		s, err := NewSession("", testManifest(nodes, conns), newTestFactory(), Options{Logger: quietLogger()})
		if err != nil {
			rt.Fatalf("NewSession: %v", err)
		}
		if err := s.Start(context.Background()); err != nil {
			rt.Fatalf("Start: %v", err)
		}

		for i := 0; i < injections; i++ {
			if err := s.Inject(i); err != nil {
				rt.Fatalf("Inject: %v", err)
			}
		}

		sink := nodes[chainLen-1]
		seen := make(map[uint64]int, injections)
		deadline := time.After(5 * time.Second)
		for got := 0; got < injections; got++ {
			select {
			case pkt := <-s.Output():
				if pkt.FromNode != sink {
					rt.Fatalf("output from %q, want %q", pkt.FromNode, sink)
				}
				if pkt.SubSeq != 0 {
					rt.Fatalf("unexpected sub_seq %d", pkt.SubSeq)
				}
				seen[pkt.Seq]++
			case <-deadline:
				rt.Fatalf("timed out after %d of %d outputs", got, injections)
			}
		}

		for seq := uint64(1); seq <= uint64(injections); seq++ {
			if seen[seq] != 1 {
				rt.Fatalf("sequence %d delivered %d times", seq, seen[seq])
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil && err != domain.ErrSessionClosed {
			rt.Fatalf("Shutdown: %v", err)
		}
	})
}
