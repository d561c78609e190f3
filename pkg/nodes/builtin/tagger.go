package builtin

import (
	"context"

	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// tagger wraps each payload in an envelope carrying a configurable label.
// Declared multi-input: it is typically placed at a fan-in point to mark
// which branch a payload travelled, and correlation across branches is
// exactly what the router leaves to nodes.
type tagger struct {
	base
	label string
}

// Tagged is the envelope produced by a tag node.
type Tagged struct {
	Label   string
	Payload any
}

func newTagger(nodeID string, params map[string]any, _ string) (runtime.Node, error) {
	return &tagger{
		base:  base{id: nodeID, typ: "tag"},
		label: stringParam(params, "label", nodeID),
	}, nil
}

func (t *tagger) Streaming() bool { return false }

func (t *tagger) MultiInput() bool { return true }

func (t *tagger) Process(_ context.Context, payload any) (any, error) {
	return Tagged{Label: t.label, Payload: payload}, nil
}

func (t *tagger) ProcessStreaming(ctx context.Context, payload any, _ string, emit runtime.EmitFunc) error {
	out, err := t.Process(ctx, payload)
	if err != nil {
		return err
	}
	return emit(out)
}
