// Package domain defines the core types shared across the media pipeline
// runtime: manifests, data packets, and the structural errors raised while
// building a session graph.
//
// This package contains pure domain types with ZERO external dependencies
// outside the Go standard library. All types in this package are:
//
// - Independent of infrastructure (no transport, codec, or process coupling)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (graph, engine, manifest, nodes) implement behaviour on top
// of these types and depend on them. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
