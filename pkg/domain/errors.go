package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors. Structural errors are fatal at graph build time: a
// session never starts on an invalid graph.
var (
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrUnknownNode    = errors.New("unknown node")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrEmptyManifest  = errors.New("manifest declares no nodes")
	ErrNodeInit       = errors.New("node initialization failed")
	ErrUnknownType    = errors.New("unknown node type")
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionRunning = errors.New("session already running")
)

// CycleError reports a cycle found in a manifest's connection graph. Path
// holds the closing cycle in walk order, first node repeated at the end, so
// operators can see the full loop rather than just one offending edge.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
