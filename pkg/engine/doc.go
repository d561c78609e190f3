// Package engine drives a validated pipeline graph for the lifetime of a
// client session: one coordinating router loop per session, one task
// goroutine per active node, packets routed along the graph's edges with
// per-queue FIFO ordering and per-node failure isolation.
package engine
