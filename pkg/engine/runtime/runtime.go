// Package runtime defines the contracts shared by the session router and node
// implementations, keeping media processing logic decoupled from routing
// mechanics.
package runtime

import "context"

// EmitFunc receives one output payload from a streaming node invocation. The
// router turns each call into a new packet carrying the triggering input's
// sequence and the next sub-sequence ordinal.
type EmitFunc func(payload any) error

// Node is the uniform contract every processing node exposes to the router.
//
// A node instance is created at most once per (session, node id) and cached
// for the session's lifetime. Its input queue is consumed by a single task
// goroutine, so invocations on one instance never overlap; state private to
// the instance needs no locking.
type Node interface {
	// Type returns the factory type name this node was created from.
	Type() string

	// ID returns the manifest node id.
	ID() string

	// Initialize performs one-time setup. It is invoked at most once per
	// instance, before the first packet is delivered. Failure is fatal for
	// the session.
	Initialize(ctx context.Context) error

	// ProcessStreaming is the primary entry point. It may call emit zero or
	// more times and returns once all emissions for this input are complete,
	// or with an error.
	ProcessStreaming(ctx context.Context, payload any, sessionID string, emit EmitFunc) error

	// Process is the simpler single-result contract, used when the node does
	// not stream.
	Process(ctx context.Context, payload any) (any, error)

	// Streaming reports whether the router should drive this node through
	// ProcessStreaming. Non-streaming nodes are driven through Process and
	// their single result is emitted with sub-sequence 0.
	Streaming() bool

	// MultiInput reports whether the node expects packets from several
	// predecessors. Informational only: the router never correlates or
	// merges fan-in inputs, it delivers one invocation per predecessor
	// output.
	MultiInput() bool
}

// Factory instantiates a node by type name. Opaque to the router; concrete
// node implementations (codecs, VAD, subprocess execution) live behind it.
type Factory interface {
	Create(nodeType, nodeID string, params map[string]any, sessionID string) (Node, error)
}

// InitStage labels one step of a node's cold start, surfaced through
// InitProgress during session pre-initialization.
type InitStage string

const (
	// StageStarting indicates the node instance is about to be created.
	StageStarting InitStage = "starting"
	// StageLoading indicates the instance exists and Initialize is running.
	StageLoading InitStage = "loading"
	// StageConnecting indicates the node is establishing external resources.
	StageConnecting InitStage = "connecting"
	// StageReady indicates the node completed initialization.
	StageReady InitStage = "ready"
	// StageFailed indicates initialization failed; Err carries the cause.
	StageFailed InitStage = "failed"
)

// InitProgress is one structured progress event emitted while a session
// pre-initializes its nodes, letting a client observe cold start.
type InitProgress struct {
	NodeID   string
	NodeType string
	Stage    InitStage
	Err      error
}

// ProgressFunc consumes InitProgress events. Implementations must not block
// for long; they run inline with session startup.
type ProgressFunc func(InitProgress)
