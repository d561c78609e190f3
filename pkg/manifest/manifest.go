// Package manifest loads declarative pipeline manifests from YAML and serves
// live reloads of a manifest file to subscribers.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rivulet-ai/rivulet/pkg/domain"
)

// Parse decodes a YAML manifest and applies field-level checks. Structural
// validation (duplicates, dangling references, cycles) happens in pkg/graph
// when the session is created; Parse only rejects documents that could never
// form a graph at all.
func Parse(data []byte) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if len(m.Nodes) == 0 {
		return nil, domain.ErrEmptyManifest
	}

	for i, n := range m.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return nil, fmt.Errorf("node %d: id must not be empty", i)
		}
		if strings.TrimSpace(n.Type) == "" {
			return nil, fmt.Errorf("node %q: node_type must not be empty", n.ID)
		}
	}

	for i, c := range m.Connections {
		if strings.TrimSpace(c.From) == "" || strings.TrimSpace(c.To) == "" {
			return nil, fmt.Errorf("connection %d: from and to must not be empty", i)
		}
	}

	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*domain.Manifest, error) {
	//nolint:gosec // Manifest path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest file %s: %w", path, err)
	}
	return m, nil
}
