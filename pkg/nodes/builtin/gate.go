package builtin

import (
	"context"
	"fmt"

	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// gate drops buffer payloads below a minimum size, a stand-in for the shape
// of a voice-activity gate: a streaming node that may legitimately emit
// nothing for an input.
type gate struct {
	base
	minBytes int
}

func newGate(nodeID string, params map[string]any, _ string) (runtime.Node, error) {
	minBytes := intParam(params, "min_bytes", 1)
	if minBytes < 0 {
		return nil, fmt.Errorf("gate node %q: min_bytes must not be negative, got %d", nodeID, minBytes)
	}
	return &gate{base: base{id: nodeID, typ: "gate"}, minBytes: minBytes}, nil
}

func (g *gate) Streaming() bool { return true }

func (g *gate) ProcessStreaming(_ context.Context, payload any, _ string, emit runtime.EmitFunc) error {
	buf, ok := payloadBytes(payload)
	if !ok {
		return emit(payload)
	}
	if len(buf) < g.minBytes {
		return nil
	}
	return emit(payload)
}

func (g *gate) Process(context.Context, any) (any, error) {
	return nil, fmt.Errorf("gate node %q only supports streaming processing", g.id)
}
