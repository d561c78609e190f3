package domain

// Manifest is the declarative description of a session pipeline: the set of
// processing nodes and the directed connections between them. A manifest is
// parsed and validated once at session start and is immutable afterwards.
type Manifest struct {
	Nodes       []ManifestNode       `yaml:"nodes" json:"nodes"`
	Connections []ManifestConnection `yaml:"connections" json:"connections"`
}

// ManifestNode declares a single processing node: a unique id within the
// manifest, the node type resolved through the node factory, and free-form
// parameters handed to the node on creation.
type ManifestNode struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"node_type" json:"node_type"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ManifestConnection declares a directed edge From → To between two node ids.
type ManifestConnection struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// NodeIDs returns the declared node ids in manifest order.
func (m *Manifest) NodeIDs() []string {
	ids := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Node returns the manifest node with the given id, or nil.
func (m *Manifest) Node(id string) *ManifestNode {
	for i := range m.Nodes {
		if m.Nodes[i].ID == id {
			return &m.Nodes[i]
		}
	}
	return nil
}
