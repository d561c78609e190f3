package builtin

import (
	"context"

	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// passthrough forwards its input unchanged. Useful as a placeholder while a
// manifest is under construction and as the simplest single-result node.
type passthrough struct {
	base
}

func newPassthrough(nodeID string, _ map[string]any, _ string) (runtime.Node, error) {
	return &passthrough{base{id: nodeID, typ: "passthrough"}}, nil
}

func (p *passthrough) Streaming() bool { return false }

func (p *passthrough) Process(_ context.Context, payload any) (any, error) {
	return payload, nil
}

func (p *passthrough) ProcessStreaming(ctx context.Context, payload any, _ string, emit runtime.EmitFunc) error {
	out, err := p.Process(ctx, payload)
	if err != nil {
		return err
	}
	return emit(out)
}
