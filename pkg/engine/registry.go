package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rivulet-ai/rivulet/pkg/domain"
	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
)

// FactoryFunc builds one node instance for a session.
type FactoryFunc func(nodeID string, params map[string]any, sessionID string) (runtime.Node, error)

// Registry maps node type names (and aliases) to factory functions and
// implements runtime.Factory. Concrete node packages register themselves
// here; the router only ever sees the runtime.Node interface.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
	aliases   map[string]string
}

// NewRegistry returns an empty node type registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FactoryFunc),
		aliases:   make(map[string]string),
	}
}

// Register adds a factory for a canonical node type plus optional aliases.
// Re-registering a canonical type is rejected; an alias silently loses to an
// earlier canonical registration of the same name.
func (r *Registry) Register(nodeType string, fn FactoryFunc, aliases ...string) error {
	nodeType = strings.TrimSpace(nodeType)
	if nodeType == "" {
		return fmt.Errorf("node type must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("factory for node type %q must not be nil", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[nodeType]; exists {
		return fmt.Errorf("node type %q already registered", nodeType)
	}
	r.factories[nodeType] = fn

	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if _, taken := r.factories[alias]; taken {
			continue
		}
		r.aliases[alias] = nodeType
	}
	return nil
}

// Create resolves nodeType (directly or through an alias) and builds a node.
func (r *Registry) Create(nodeType, nodeID string, params map[string]any, sessionID string) (runtime.Node, error) {
	r.mu.RLock()
	fn, ok := r.factories[nodeType]
	if !ok {
		if canonical, aliased := r.aliases[nodeType]; aliased {
			fn, ok = r.factories[canonical]
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, nodeType)
	}
	return fn(nodeID, params, sessionID)
}

// Types returns the canonical registered type names, unordered.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
