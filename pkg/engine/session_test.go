package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rivulet-ai/rivulet/internal/governance"
	"github.com/rivulet-ai/rivulet/pkg/domain"
	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// testNode is a scriptable runtime.Node recording every payload it sees.
type testNode struct {
	id        string
	typ       string
	streaming bool
	multi     bool
	initErr   error
	process   func(payload any, emit runtime.EmitFunc) error

	mu       sync.Mutex
	received []any
	inits    int
}

func (n *testNode) ID() string   { return n.id }
func (n *testNode) Type() string { return n.typ }

func (n *testNode) Initialize(context.Context) error {
	n.mu.Lock()
	n.inits++
	n.mu.Unlock()
	return n.initErr
}

func (n *testNode) Streaming() bool  { return n.streaming }
func (n *testNode) MultiInput() bool { return n.multi }

func (n *testNode) ProcessStreaming(_ context.Context, payload any, _ string, emit runtime.EmitFunc) error {
	n.record(payload)
	if n.process != nil {
		return n.process(payload, emit)
	}
	return emit(payload)
}

func (n *testNode) Process(_ context.Context, payload any) (any, error) {
	n.record(payload)
	if n.process != nil {
		var out any
		err := n.process(payload, func(p any) error {
			out = p
			return nil
		})
		return out, err
	}
	return payload, nil
}

func (n *testNode) record(payload any) {
	n.mu.Lock()
	n.received = append(n.received, payload)
	n.mu.Unlock()
}

func (n *testNode) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

func (n *testNode) initCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inits
}

// testFactory hands out pre-seeded nodes by id and counts Create calls.
type testFactory struct {
	mu        sync.Mutex
	nodes     map[string]*testNode
	creates   map[string]int
	createErr map[string]error
}

func newTestFactory(nodes ...*testNode) *testFactory {
	f := &testFactory{
		nodes:     make(map[string]*testNode),
		creates:   make(map[string]int),
		createErr: make(map[string]error),
	}
	for _, n := range nodes {
		f.nodes[n.id] = n
	}
	return f
}

func (f *testFactory) Create(nodeType, nodeID string, _ map[string]any, _ string) (runtime.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[nodeID]++
	if err := f.createErr[nodeID]; err != nil {
		return nil, err
	}
	if n, ok := f.nodes[nodeID]; ok {
		return n, nil
	}
	n := &testNode{id: nodeID, typ: nodeType, streaming: true}
	f.nodes[nodeID] = n
	return n, nil
}

func (f *testFactory) createCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[nodeID]
}

func testManifest(nodes []string, conns [][2]string) *domain.Manifest {
	m := &domain.Manifest{}
	for _, id := range nodes {
		m.Nodes = append(m.Nodes, domain.ManifestNode{ID: id, Type: "test"})
	}
	for _, c := range conns {
		m.Connections = append(m.Connections, domain.ManifestConnection{From: c[0], To: c[1]})
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSession(t *testing.T, m *domain.Manifest, f runtime.Factory) *Session {
	t.Helper()
	s, err := NewSession("test-session", m, f, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func collectOutputs(t *testing.T, s *Session, n int) []domain.Packet {
	t.Helper()
	out := make([]domain.Packet, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case pkt, ok := <-s.Output():
			if !ok {
				t.Fatalf("output closed after %d of %d packets", len(out), n)
			}
			out = append(out, pkt)
		case <-deadline:
			t.Fatalf("timed out waiting for %d outputs, got %d", n, len(out))
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewSessionRejectsInvalidManifest(t *testing.T) {
	m := testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	_, err := NewSession("", m, newTestFactory(), Options{Logger: quietLogger()})
	if !errors.Is(err, domain.ErrCycleDetected) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestChannelSizingFollowsOptions(t *testing.T) {
	s, err := NewSession("", testManifest([]string{"a"}, nil), newTestFactory(), Options{
		Logger:      quietLogger(),
		InboundSize: 7,
		InputSize:   3,
		OutputSize:  5,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if got := cap(s.input); got != 3 {
		t.Fatalf("input buffer %d, want InputSize 3", got)
	}
	if got := cap(s.inbound); got != 7 {
		t.Fatalf("inbound buffer %d, want InboundSize 7", got)
	}
	if got := cap(s.output); got != 5 {
		t.Fatalf("output buffer %d, want OutputSize 5", got)
	}
}

func TestLinearPipelineScenario(t *testing.T) {
	// {nodes:[A,B,C], connections:[[A,B],[B,C]]}; one injection must yield
	// exactly one client-facing output with FromNode=C and the original
	// sequence.
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}}), f)

	if err := s.Inject("frame-1"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	out := collectOutputs(t, s, 1)[0]
	if out.FromNode != "c" {
		t.Fatalf("expected output from c, got %q", out.FromNode)
	}
	if out.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", out.Seq)
	}
	if out.SubSeq != 0 {
		t.Fatalf("expected sub_seq 0, got %d", out.SubSeq)
	}
	if out.Payload != "frame-1" {
		t.Fatalf("payload changed in flight: %v", out.Payload)
	}

	// No second output may appear.
	select {
	case extra := <-s.Output():
		t.Fatalf("unexpected extra output: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutInvokesEachConsumerOnce(t *testing.T) {
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}}), f)

	if err := s.Inject([]byte{0x01}); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// b and c are both sinks, so one output each.
	outs := collectOutputs(t, s, 2)
	seen := map[string]int{}
	for _, pkt := range outs {
		seen[pkt.FromNode]++
		if pkt.Seq != 1 {
			t.Fatalf("fan-out changed sequence: %d", pkt.Seq)
		}
	}
	if seen["b"] != 1 || seen["c"] != 1 {
		t.Fatalf("expected one output each from b and c, got %v", seen)
	}

	if f.nodes["b"].calls() != 1 || f.nodes["c"].calls() != 1 {
		t.Fatalf("expected exactly one invocation each, got b=%d c=%d",
			f.nodes["b"].calls(), f.nodes["c"].calls())
	}
}

func TestFanInDeliversSeparateInvocations(t *testing.T) {
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a", "b", "c"}, [][2]string{{"a", "c"}, {"b", "c"}}), f)

	// a and b are both sources; one broadcast injection reaches both, so c
	// must see one invocation per predecessor output: two calls, never one
	// merged call.
	if err := s.Inject("pcm"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	outs := collectOutputs(t, s, 2)
	for _, pkt := range outs {
		if pkt.FromNode != "c" {
			t.Fatalf("expected sink output from c, got %q", pkt.FromNode)
		}
	}
	if got := f.nodes["c"].calls(); got != 2 {
		t.Fatalf("expected 2 invocations at fan-in node, got %d", got)
	}
}

func TestStreamingOutputsCarrySubSequence(t *testing.T) {
	split := &testNode{id: "split", typ: "test", streaming: true,
		process: func(payload any, emit runtime.EmitFunc) error {
			for _, part := range []string{"x", "y", "z"} {
				if err := emit(part); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := newTestFactory(split)
	s := startSession(t, testManifest([]string{"split"}, nil), f)

	if err := s.Inject("buffer"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	outs := collectOutputs(t, s, 3)
	for i, pkt := range outs {
		if pkt.SubSeq != i {
			t.Fatalf("expected sub_seq %d, got %d", i, pkt.SubSeq)
		}
		if pkt.Seq != 1 {
			t.Fatalf("streaming outputs must share the input sequence, got %d", pkt.Seq)
		}
	}

	// Sub-sequence resets on the next invocation.
	if err := s.Inject("buffer-2"); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	outs = collectOutputs(t, s, 3)
	if outs[0].SubSeq != 0 || outs[0].Seq != 2 {
		t.Fatalf("expected sub_seq reset for seq 2, got seq=%d sub_seq=%d", outs[0].Seq, outs[0].SubSeq)
	}
}

func TestNonStreamingNodeEmitsSubSequenceZero(t *testing.T) {
	plain := &testNode{id: "plain", typ: "test", streaming: false}
	f := newTestFactory(plain)
	s := startSession(t, testManifest([]string{"plain"}, nil), f)

	if err := s.Inject(42); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	out := collectOutputs(t, s, 1)[0]
	if out.SubSeq != 0 {
		t.Fatalf("single-result node must emit sub_seq 0, got %d", out.SubSeq)
	}
	if out.Payload != 42 {
		t.Fatalf("payload changed: %v", out.Payload)
	}
}

func TestTargetedInjectionBypassesTopology(t *testing.T) {
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}}), f)

	if err := s.InjectTo("b", "control"); err != nil {
		t.Fatalf("InjectTo: %v", err)
	}

	out := collectOutputs(t, s, 1)[0]
	if out.FromNode != "b" {
		t.Fatalf("expected output from b, got %q", out.FromNode)
	}
	if f.nodes["a"] != nil && f.nodes["a"].calls() != 0 {
		t.Fatalf("targeted injection must not touch other nodes")
	}

	if err := s.InjectTo("nope", "control"); !errors.Is(err, domain.ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}

func TestFailureIsolation(t *testing.T) {
	bad := errors.New("decode failed")
	flaky := &testNode{id: "x", typ: "test", streaming: true,
		process: func(payload any, emit runtime.EmitFunc) error {
			if payload == "bad" {
				return bad
			}
			return emit(payload)
		},
	}
	f := newTestFactory(flaky)
	s := startSession(t, testManifest([]string{"x", "y"}, [][2]string{{"x", "y"}}), f)

	if err := s.Inject("bad"); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if err := s.Inject("good"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// The failing packet is dropped; the later packet still flows through x
	// and reaches the sink.
	out := collectOutputs(t, s, 1)[0]
	if out.Payload != "good" {
		t.Fatalf("expected the later packet to survive, got %v", out.Payload)
	}
	if got := flaky.calls(); got != 2 {
		t.Fatalf("node must keep processing after an error, got %d calls", got)
	}
}

func TestNodeInstantiatedOncePerSession(t *testing.T) {
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}}), f)

	for i := 0; i < 5; i++ {
		if err := s.Inject(i); err != nil {
			t.Fatalf("Inject: %v", err)
		}
	}
	collectOutputs(t, s, 5)

	if got := f.createCount("a"); got != 1 {
		t.Fatalf("expected at-most-once instantiation for a, got %d creates", got)
	}
	if got := f.nodes["a"].initCount(); got != 1 {
		t.Fatalf("expected one Initialize for a, got %d", got)
	}
}

func TestPreinitializeEmitsProgressInOrder(t *testing.T) {
	f := newTestFactory()
	m := testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}})
	s, err := NewSession("", m, f, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var stages []string
	err = s.Preinitialize(context.Background(), func(p runtime.InitProgress) {
		stages = append(stages, p.NodeID+":"+string(p.Stage))
	})
	if err != nil {
		t.Fatalf("Preinitialize: %v", err)
	}

	want := []string{
		"a:starting", "a:loading", "a:connecting", "a:ready",
		"b:starting", "b:loading", "b:connecting", "b:ready",
	}
	if len(stages) != len(want) {
		t.Fatalf("progress stages %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("progress stages %v, want %v", stages, want)
		}
	}

	// Preinitialized nodes are cached: starting and injecting must not
	// create them again.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	if err := s.Inject("warm"); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	collectOutputs(t, s, 1)
	if got := f.createCount("a"); got != 1 {
		t.Fatalf("preinitialized node recreated: %d creates", got)
	}
}

func TestPreinitializeFailureAbortsStartup(t *testing.T) {
	broken := &testNode{id: "b", typ: "test", streaming: true, initErr: fmt.Errorf("model load failed")}
	f := newTestFactory(broken)
	m := testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}})
	s, err := NewSession("", m, f, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var failed []runtime.InitProgress
	err = s.Preinitialize(context.Background(), func(p runtime.InitProgress) {
		if p.Stage == runtime.StageFailed {
			failed = append(failed, p)
		}
	})
	if !errors.Is(err, domain.ErrNodeInit) {
		t.Fatalf("expected node init error, got %v", err)
	}
	if len(failed) != 1 || failed[0].NodeID != "b" {
		t.Fatalf("expected one failed progress event for b, got %+v", failed)
	}
	if failed[0].Err == nil {
		t.Fatalf("failed progress event must carry the cause")
	}
}

func TestLazyActivationFailureIsIsolated(t *testing.T) {
	f := newTestFactory()
	f.createErr["b"] = fmt.Errorf("binary missing")
	s := startSession(t, testManifest([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}}), f)

	if err := s.Inject("frame"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// b cannot activate; c still produces its output.
	out := collectOutputs(t, s, 1)[0]
	if out.FromNode != "c" {
		t.Fatalf("expected surviving branch output from c, got %q", out.FromNode)
	}
}

func TestShutdownClosesOutputAndRejectsInjection(t *testing.T) {
	f := newTestFactory()
	m := testManifest([]string{"a"}, nil)
	s, err := NewSession("", m, f, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Inject("last"); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "node activation", func() bool { return f.createCount("a") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := s.Inject("late"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}

	// Output drains then closes.
	for range s.Output() {
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newTestFactory()
	s := startSession(t, testManifest([]string{"a"}, nil), f)
	if err := s.Start(context.Background()); !errors.Is(err, domain.ErrSessionRunning) {
		t.Fatalf("expected running error, got %v", err)
	}
}

func TestStreamingBurstLargerThanBuffersCompletes(t *testing.T) {
	// A streaming burst far exceeding every channel buffer must still drain:
	// the router may not end up waiting on a node task that is itself
	// waiting on the router.
	const burst = 200
	splitter := &testNode{id: "a", typ: "test", streaming: true,
		process: func(_ any, emit runtime.EmitFunc) error {
			for i := 0; i < burst; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := newTestFactory(splitter)

	s, err := NewSession("", testManifest([]string{"a", "b"}, [][2]string{{"a", "b"}}), f, Options{
		Logger:      quietLogger(),
		QueueSize:   1,
		InboundSize: 1,
		InputSize:   1,
		OutputSize:  1,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	if err := s.Inject("buffer"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	outs := collectOutputs(t, s, burst)
	for _, pkt := range outs {
		if pkt.FromNode != "b" {
			t.Fatalf("expected sink output from b, got %q", pkt.FromNode)
		}
		if pkt.Seq != 1 {
			t.Fatalf("burst output lost its sequence: %d", pkt.Seq)
		}
	}
	if got := f.nodes["b"].calls(); got != burst {
		t.Fatalf("sink invoked %d times, want %d", got, burst)
	}
}

func TestNodeQueueIsUnbounded(t *testing.T) {
	q := newPacketQueue(1)
	defer q.close()

	// Fill well past the channel buffer with nothing consuming.
	for i := 0; i < 100; i++ {
		q.push(domain.Packet{Seq: uint64(i)})
	}

	for i := 0; i < 100; i++ {
		select {
		case pkt := <-q.out:
			if pkt.Seq != uint64(i) {
				t.Fatalf("queue reordered packets: got %d, want %d", pkt.Seq, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out draining packet %d", i)
		}
	}
}

func TestBreakerShedsAfterRepeatedFailures(t *testing.T) {
	failing := &testNode{
		id: "a", typ: "test", streaming: true,
		process: func(any, runtime.EmitFunc) error { return errors.New("decoder wedged") },
	}
	f := newTestFactory(failing)

	s, err := NewSession("", testManifest([]string{"a"}, nil), f, Options{
		Logger:  quietLogger(),
		Breaker: governance.Config{MaxFailures: 2, Cooldown: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	for i := 0; i < 5; i++ {
		if err := s.Inject(i); err != nil {
			t.Fatalf("Inject: %v", err)
		}
	}

	// Two invocations trip the breaker; the remaining packets are shed
	// without reaching the node.
	waitFor(t, "breaker to trip", func() bool { return failing.calls() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := failing.calls(); got != 2 {
		t.Fatalf("node invoked %d times after breaker opened, want 2", got)
	}
}
