package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rivulet-ai/rivulet/internal/governance"
	"github.com/rivulet-ai/rivulet/pkg/domain"
	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
	"github.com/rivulet-ai/rivulet/pkg/graph"
	"github.com/rivulet-ai/rivulet/pkg/telemetry"
)

const (
	// DefaultQueueSize is the channel buffer of a node's input queue. The
	// queue itself is unbounded: bursts beyond the buffer spill into the
	// queue's overflow list, so enqueueing never blocks the router loop.
	DefaultQueueSize = 256

	// DefaultInboundSize buffers node-produced outputs on their way back to
	// the router loop.
	DefaultInboundSize = 256

	// DefaultInputSize buffers externally injected packets awaiting the
	// router loop.
	DefaultInputSize = 64

	// DefaultOutputSize buffers the client-facing output channel.
	DefaultOutputSize = 64
)

// Options configures a Session. The zero value is usable.
type Options struct {
	Logger      *slog.Logger
	Metrics     *Metrics
	QueueSize   int
	InboundSize int
	InputSize   int
	OutputSize  int

	// Breaker configures per-node failure containment. A zero MaxFailures
	// leaves breakers disabled.
	Breaker governance.Config
}

// Session owns one client session's validated graph, node cache, active node
// tasks, client-facing output channel, and shutdown coordination. It is the
// top-level orchestrator of the runtime.
//
// The node cache and the map of per-node input senders are the only
// session-wide mutable shared state. Both are touched exclusively from the
// coordinating loop goroutine (and from Preinitialize, which must complete
// before Start), so no lock guards them.
type Session struct {
	id       string
	manifest *domain.Manifest
	graph    *graph.Graph
	factory  runtime.Factory
	logger   *slog.Logger
	metrics  *Metrics
	breakers *governance.Manager // nil when breakers are disabled

	queueSize int

	input   chan domain.Packet // externally injected packets
	inbound chan domain.Packet // node-produced outputs re-entering routing
	output  chan domain.Packet // client-facing channel, fed by sinks

	nodeCache map[string]runtime.Node
	senders   map[string]*packetQueue
	tasks     sync.WaitGroup

	seq      atomic.Uint64
	started  atomic.Bool
	stopped  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewSession parses and validates the manifest into an immutable graph and
// returns a session ready to be started. Structural errors (duplicate id,
// dangling reference, cycle) surface here, synchronously, so the caller can
// refuse to proceed.
func NewSession(sessionID string, m *domain.Manifest, factory runtime.Factory, opts Options) (*Session, error) {
	g, err := graph.FromManifest(m)
	if err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID)

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	inboundSize := opts.InboundSize
	if inboundSize <= 0 {
		inboundSize = DefaultInboundSize
	}
	inputSize := opts.InputSize
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	outputSize := opts.OutputSize
	if outputSize <= 0 {
		outputSize = DefaultOutputSize
	}

	var breakers *governance.Manager
	if opts.Breaker.MaxFailures > 0 {
		breakers = governance.NewManager(opts.Breaker)
	}

	return &Session{
		id:        sessionID,
		manifest:  m,
		graph:     g,
		factory:   factory,
		logger:    logger,
		metrics:   opts.Metrics,
		breakers:  breakers,
		queueSize: queueSize,
		input:     make(chan domain.Packet, inputSize),
		inbound:   make(chan domain.Packet, inboundSize),
		output:    make(chan domain.Packet, outputSize),
		nodeCache: make(map[string]runtime.Node),
		senders:   make(map[string]*packetQueue),
		loopDone:  make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Graph returns the session's validated graph.
func (s *Session) Graph() *graph.Graph { return s.graph }

// Output returns the client-facing channel. Sink node outputs appear here
// with their sequence tokens preserved. The channel is closed once Shutdown
// completes.
func (s *Session) Output() <-chan domain.Packet { return s.output }

// Preinitialize creates and initializes every node up front, in topological
// order, eliminating first-packet latency. Structured per-node progress is
// reported through progress (which may be nil). Any failure aborts startup:
// the session must not be started afterwards.
//
// Must be called before Start.
func (s *Session) Preinitialize(ctx context.Context, progress runtime.ProgressFunc) error {
	if s.started.Load() {
		return domain.ErrSessionRunning
	}

	emit := func(p runtime.InitProgress) {
		if progress != nil {
			progress(p)
		}
	}

	tracer := otel.Tracer("rivulet.session")
	ctx, span := tracer.Start(ctx, "session.preinitialize",
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
	defer span.End()

	for _, id := range s.graph.Order() {
		mn := s.manifest.Node(id)
		emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageStarting})

		node, err := s.factory.Create(mn.Type, mn.ID, mn.Params, s.id)
		if err != nil {
			err = fmt.Errorf("%w: node %q (%s): %v", domain.ErrNodeInit, id, mn.Type, err)
			emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageFailed, Err: err})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageLoading})
		if err := node.Initialize(ctx); err != nil {
			err = fmt.Errorf("%w: node %q (%s): %v", domain.ErrNodeInit, id, mn.Type, err)
			emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageFailed, Err: err})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageConnecting})
		s.nodeCache[id] = node
		emit(runtime.InitProgress{NodeID: id, NodeType: mn.Type, Stage: runtime.StageReady})

		s.logger.Info("node initialized",
			"node_id", id,
			"node_type", mn.Type,
		)
	}

	return nil
}

// Start launches the coordinating loop. The loop runs until the supplied
// context is cancelled or Shutdown is called.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return domain.ErrSessionRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.metrics.sessionStarted()

	s.logger.Info("session started",
		"nodes", s.graph.Len(),
		"sources", s.graph.Sources(),
		"sinks", s.graph.Sinks(),
	)

	go s.run(ctx)
	return nil
}

// Inject submits one external input, dispatched to every source node. The
// packet receives the next session sequence number.
func (s *Session) Inject(payload any) error {
	return s.submit(domain.Packet{Payload: payload}, "broadcast")
}

// InjectTo submits one external input pinned to a single node, bypassing
// topology. Used for out-of-band control.
func (s *Session) InjectTo(nodeID string, payload any) error {
	if !s.graph.Has(nodeID) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownNode, nodeID)
	}
	return s.submit(domain.Packet{Payload: payload, ToNode: nodeID}, "targeted")
}

func (s *Session) submit(pkt domain.Packet, mode string) error {
	pkt.SessionID = s.id
	pkt.Seq = s.seq.Add(1)

	select {
	case s.input <- pkt:
		s.metrics.recordInjected(mode)
		return nil
	case <-s.loopDone:
		return domain.ErrSessionClosed
	}
}

// Shutdown stops the coordinating loop, closes all node input queues, and
// waits for every spawned node task to finish. No packet is left silently
// mid-flight: queued packets are drained through their node (whose emissions
// fail fast against the cancelled context) before the task exits.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return domain.ErrSessionClosed
	}

	s.cancel()
	<-s.loopDone

	// The loop has exited, so the sender map is quiescent and closing is
	// safe.
	for _, q := range s.senders {
		q.close()
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("session %s shutdown: %w", s.id, ctx.Err())
	}

	close(s.output)
	s.metrics.sessionStopped()
	s.logger.Info("session stopped")
	return nil
}

// run is the coordinating loop. Consumption priority: shutdown, then external
// input, then node-produced output.
func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case pkt := <-s.input:
			s.routeExternal(ctx, pkt)
		default:
			select {
			case <-ctx.Done():
				return
			case pkt := <-s.input:
				s.routeExternal(ctx, pkt)
			case pkt := <-s.inbound:
				s.routeProduced(ctx, pkt)
			}
		}
	}
}

// routeExternal dispatches an injected packet: to its explicit target when
// set, otherwise to every source node.
func (s *Session) routeExternal(ctx context.Context, pkt domain.Packet) {
	if pkt.ToNode != "" {
		s.dispatch(ctx, pkt.ToNode, pkt)
		return
	}
	for _, id := range s.graph.Sources() {
		s.dispatch(ctx, id, pkt)
	}
}

// routeProduced routes a node output along the graph: a copy per successor,
// or straight to the client-facing channel when the producer is a sink.
func (s *Session) routeProduced(ctx context.Context, pkt domain.Packet) {
	successors := s.graph.Successors(pkt.FromNode)
	if len(successors) == 0 {
		select {
		case s.output <- pkt:
			s.metrics.recordSinkOutput(pkt.FromNode)
		case <-ctx.Done():
		}
		return
	}

	for _, id := range successors {
		s.dispatch(ctx, id, pkt)
	}
}

// dispatch enqueues a packet for a node, spawning its task lazily on first
// delivery. The node queue is unbounded, so dispatch never waits on a node
// task; the router cannot deadlock against the tasks it feeds. Activation
// failures are logged and counted, never fatal.
func (s *Session) dispatch(ctx context.Context, nodeID string, pkt domain.Packet) {
	q, ok := s.senders[nodeID]
	if !ok {
		node, err := s.node(ctx, nodeID)
		if err != nil {
			s.logger.Error("node activation failed, dropping packet",
				"node_id", nodeID,
				"seq", pkt.Seq,
				"error", err,
			)
			s.metrics.recordRoutingError("activation")
			return
		}

		q = newPacketQueue(s.queueSize)
		s.senders[nodeID] = q
		s.tasks.Add(1)
		go s.nodeTask(ctx, node, q.out)
	}

	q.push(pkt)
	s.metrics.recordDispatched(nodeID)
}

// node returns the cached instance for nodeID, creating and initializing it
// on first need. Called only from the router loop.
func (s *Session) node(ctx context.Context, nodeID string) (runtime.Node, error) {
	if node, ok := s.nodeCache[nodeID]; ok {
		return node, nil
	}

	mn := s.manifest.Node(nodeID)
	if mn == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownNode, nodeID)
	}

	node, err := s.factory.Create(mn.Type, mn.ID, mn.Params, s.id)
	if err != nil {
		return nil, fmt.Errorf("create node %q (%s): %w", nodeID, mn.Type, err)
	}
	if err := node.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("%w: node %q (%s): %v", domain.ErrNodeInit, nodeID, mn.Type, err)
	}

	s.nodeCache[nodeID] = node
	s.logger.Debug("node activated lazily", "node_id", nodeID, "node_type", mn.Type)
	return node, nil
}

// nodeTask is the per-node execution loop: one goroutine per active node,
// popping packets off the private queue until it is closed. Per-packet errors
// are isolated to this node and packet.
func (s *Session) nodeTask(ctx context.Context, node runtime.Node, queue <-chan domain.Packet) {
	defer s.tasks.Done()
	s.metrics.taskStarted()
	defer s.metrics.taskStopped()

	for pkt := range queue {
		s.invoke(ctx, node, pkt)
	}
}

// invoke runs one node invocation for one packet, pushing each produced
// output back into the router's inbound queue. Errors are logged and counted
// but never propagate: the task moves on to the next packet.
func (s *Session) invoke(ctx context.Context, node runtime.Node, pkt domain.Packet) {
	var breaker *governance.Breaker
	if s.breakers != nil {
		breaker = s.breakers.Get(node.ID())
		if err := breaker.Allow(); err != nil {
			s.logger.Warn("breaker shedding packet",
				"node_id", node.ID(),
				"seq", pkt.Seq,
				"state", breaker.State(),
			)
			s.metrics.recordRoutingError("breaker_open")
			return
		}
	}

	tracer := otel.Tracer("rivulet.session")
	ctx, span := tracer.Start(ctx, "node.invoke", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("node.id", node.ID()),
		attribute.String("node.type", node.Type()),
		attribute.Int64("packet.seq", int64(pkt.Seq)),
	))
	defer span.End()

	start := time.Now()
	emitted := 0

	var err error
	if node.Streaming() {
		err = node.ProcessStreaming(ctx, pkt.Payload, s.id, func(payload any) error {
			child := pkt.Child(node.ID(), emitted, payload)
			emitted++
			return s.forward(ctx, child)
		})
	} else {
		var out any
		out, err = node.Process(ctx, pkt.Payload)
		if err == nil {
			emitted = 1
			err = s.forward(ctx, pkt.Child(node.ID(), 0, out))
		}
	}

	duration := time.Since(start)
	if breaker != nil {
		breaker.Record(err)
	}
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.recordNodeError(node.ID())
		s.logger.Error("node processing failed",
			"node_id", node.ID(),
			"node_type", node.Type(),
			"seq", pkt.Seq,
			"sub_seq", pkt.SubSeq,
			"error", err,
		)
	}

	span.SetAttributes(attribute.Int("node.emitted", emitted))
	s.metrics.observeInvoke(node.ID(), duration.Seconds())
	telemetry.RecordInvocation(ctx, telemetry.InvocationMetrics{
		SessionID: s.id,
		NodeID:    node.ID(),
		NodeType:  node.Type(),
		Outcome:   outcome,
		Duration:  duration,
		Emitted:   emitted,
	})
}

// forward pushes a node output back to the coordinating loop. It fails only
// when the session is shutting down.
func (s *Session) forward(ctx context.Context, pkt domain.Packet) error {
	select {
	case s.inbound <- pkt:
		s.metrics.recordEmitted(pkt.FromNode)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: output from %q dropped", domain.ErrSessionClosed, pkt.FromNode)
	}
}
