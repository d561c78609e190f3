// Package builtin ships a handful of trivial processing nodes so the runtime
// is runnable and testable end to end. They carry no codec or inference
// semantics; real media nodes live behind the same runtime.Node contract in
// their own packages.
package builtin

import (
	"context"
	"fmt"

	"github.com/rivulet-ai/rivulet/pkg/engine"
)

// Register adds all built-in node types to the registry.
func Register(r *engine.Registry) error {
	entries := []struct {
		typ     string
		fn      engine.FactoryFunc
		aliases []string
	}{
		{"passthrough", newPassthrough, []string{"identity"}},
		{"chunk", newChunker, []string{"splitter"}},
		{"tag", newTagger, []string{"annotate"}},
		{"gate", newGate, []string{"filter.size"}},
	}

	for _, e := range entries {
		if err := r.Register(e.typ, e.fn, e.aliases...); err != nil {
			return fmt.Errorf("register builtin %q: %w", e.typ, err)
		}
	}
	return nil
}

// base supplies the identity and no-op lifecycle shared by the built-ins.
type base struct {
	id  string
	typ string
}

func (b *base) ID() string   { return b.id }
func (b *base) Type() string { return b.typ }

func (b *base) Initialize(context.Context) error { return nil }

func (b *base) MultiInput() bool { return false }

// payloadBytes normalizes string and []byte payloads for the nodes that
// operate on raw media buffers.
func payloadBytes(payload any) ([]byte, bool) {
	switch v := payload.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

func intParam(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	if params == nil {
		return def
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
