package builtin

import (
	"context"
	"fmt"

	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// chunker slices a buffer payload into fixed-size chunks and emits each one,
// exercising the streaming contract: several outputs per input, sub-sequence
// ordered. Non-buffer payloads pass through as a single emission.
type chunker struct {
	base
	size int
}

func newChunker(nodeID string, params map[string]any, _ string) (runtime.Node, error) {
	size := intParam(params, "size", 4096)
	if size <= 0 {
		return nil, fmt.Errorf("chunk node %q: size must be positive, got %d", nodeID, size)
	}
	return &chunker{base: base{id: nodeID, typ: "chunk"}, size: size}, nil
}

func (c *chunker) Streaming() bool { return true }

func (c *chunker) ProcessStreaming(_ context.Context, payload any, _ string, emit runtime.EmitFunc) error {
	buf, ok := payloadBytes(payload)
	if !ok {
		return emit(payload)
	}

	for off := 0; off < len(buf); off += c.size {
		end := off + c.size
		if end > len(buf) {
			end = len(buf)
		}
		if err := emit(buf[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *chunker) Process(context.Context, any) (any, error) {
	return nil, fmt.Errorf("chunk node %q only supports streaming processing", c.id)
}
