// Package graph builds and validates the immutable session pipeline graph
// from a manifest: adjacency, cycle detection, topological order, and the
// source/sink sets the router dispatches against.
package graph

import (
	"fmt"
	"sort"

	"github.com/rivulet-ai/rivulet/pkg/domain"
)

// Graph is a validated, immutable pipeline DAG. Construct one through Builder
// or FromManifest; a Graph in hand means every structural invariant already
// holds.
type Graph struct {
	nodes   map[string]struct{}
	edges   map[string][]string // from → ordered destinations
	reverse map[string][]string // to → ordered predecessors
	sources []string
	sinks   []string
	order   []string
}

// Builder accumulates nodes and edges and produces a validated Graph.
type Builder struct {
	nodeOrder []string
	nodes     map[string]struct{}
	edges     map[string][]string
	reverse   map[string][]string
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:   make(map[string]struct{}),
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// AddNode registers a node id. A duplicate id is rejected: node ids are
// unique within a manifest.
func (b *Builder) AddNode(id string) error {
	if _, exists := b.nodes[id]; exists {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateNode, id)
	}
	b.nodes[id] = struct{}{}
	b.nodeOrder = append(b.nodeOrder, id)
	return nil
}

// AddEdge registers a directed connection from → to. Both endpoints must
// already be registered nodes.
func (b *Builder) AddEdge(from, to string) error {
	if _, ok := b.nodes[from]; !ok {
		return fmt.Errorf("%w: connection references %q", domain.ErrUnknownNode, from)
	}
	if _, ok := b.nodes[to]; !ok {
		return fmt.Errorf("%w: connection references %q", domain.ErrUnknownNode, to)
	}
	b.edges[from] = append(b.edges[from], to)
	b.reverse[to] = append(b.reverse[to], from)
	return nil
}

// Build validates the accumulated structure and returns the immutable Graph.
// Validation runs depth-first cycle detection first, reporting the full
// closing cycle, then Kahn's algorithm as an independent defensive check
// while computing the execution order.
func (b *Builder) Build() (*Graph, error) {
	if len(b.nodes) == 0 {
		return nil, domain.ErrEmptyManifest
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, &domain.CycleError{Path: cycle}
	}

	order, err := b.topologicalOrder()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:   b.nodes,
		edges:   b.edges,
		reverse: b.reverse,
		order:   order,
	}

	// Sources and sinks are fixed once edges are in place.
	for _, id := range b.nodeOrder {
		if len(b.reverse[id]) == 0 {
			g.sources = append(g.sources, id)
		}
		if len(b.edges[id]) == 0 {
			g.sinks = append(g.sinks, id)
		}
	}

	return g, nil
}

// findCycle runs a depth-first walk over node ids with a recursion set.
// A back-edge into the in-progress set yields the closing cycle, returned in
// walk order with the entry node repeated at the end.
func (b *Builder) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	state := make(map[string]int, len(b.nodes))
	parent := make(map[string]string, len(b.nodes))

	// Deterministic traversal keeps cycle reports stable across rebuilds.
	roots := append([]string(nil), b.nodeOrder...)
	sort.Strings(roots)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inProgress
		for _, next := range b.edges[id] {
			switch state[next] {
			case unvisited:
				parent[next] = id
				if visit(next) {
					return true
				}
			case inProgress:
				// Back-edge id → next closes the cycle. Walk parents back to
				// the entry point to report the whole loop.
				cycle = []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, next)
				reverseStrings(cycle)
				return true
			}
		}
		state[id] = done
		return false
	}

	for _, id := range roots {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// topologicalOrder applies Kahn's algorithm: seed with zero-in-degree nodes,
// repeatedly pop into the result and release dependents. A short result means
// a cycle survived the DFS check, which is treated as a defect in the caller
// rather than silently truncating the order.
func (b *Builder) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(b.nodes))
	for id := range b.nodes {
		indegree[id] = len(b.reverse[id])
	}

	queue := make([]string, 0, len(b.nodes))
	for _, id := range b.nodeOrder {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(b.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range b.edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(b.nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes unreachable from a topological order",
			domain.ErrCycleDetected, len(b.nodes)-len(order), len(b.nodes))
	}
	return order, nil
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// FromManifest builds a validated Graph straight from a manifest. All
// structural errors (duplicate id, dangling reference, cycle) are fatal here,
// before any packet is routed.
func FromManifest(m *domain.Manifest) (*Graph, error) {
	b := NewBuilder()
	for _, n := range m.Nodes {
		if err := b.AddNode(n.ID); err != nil {
			return nil, err
		}
	}
	for _, c := range m.Connections {
		if err := b.AddEdge(c.From, c.To); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Successors returns the destinations of edges leaving id, in declaration
// order. The returned slice must not be mutated.
func (g *Graph) Successors(id string) []string { return g.edges[id] }

// Predecessors returns the origins of edges entering id, in declaration
// order. The returned slice must not be mutated.
func (g *Graph) Predecessors(id string) []string { return g.reverse[id] }

// Sources returns the nodes with no incoming edges. External input without an
// explicit target is dispatched to every source.
func (g *Graph) Sources() []string { return g.sources }

// Sinks returns the nodes with no outgoing edges. Sink output is forwarded to
// the session's client-facing channel.
func (g *Graph) Sinks() []string { return g.sinks }

// Order returns a valid topological order: every node follows all of its
// predecessors.
func (g *Graph) Order() []string { return g.order }
