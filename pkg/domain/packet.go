package domain

// Packet is the unit routed through a session graph: an immutable, cheaply
// copyable envelope around one payload plus its provenance and ordering
// tokens. Packets are ephemeral: created at injection or node-output time,
// consumed by exactly one routing decision, then discarded.
type Packet struct {
	// Payload is the opaque media payload. The router never inspects it;
	// interpretation belongs to the nodes.
	Payload any

	// FromNode is the id of the node that produced this packet, or empty for
	// externally injected input.
	FromNode string

	// ToNode optionally pins the packet to a single destination node,
	// bypassing topology. Used for out-of-band control input.
	ToNode string

	// SessionID identifies the owning session.
	SessionID string

	// Seq is assigned once per externally injected input and preserved
	// unchanged as that input's lineage fans out and back in across the
	// graph.
	Seq uint64

	// SubSeq is the ordinal of this payload among the outputs of a single
	// node invocation. Single-result nodes always emit 0; streaming nodes
	// count up from 0 and reset each invocation.
	SubSeq int
}

// Child derives a packet for one output of a node invocation triggered by p.
// The sequence is inherited; provenance and sub-sequence are replaced.
func (p Packet) Child(fromNode string, subSeq int, payload any) Packet {
	return Packet{
		Payload:   payload,
		FromNode:  fromNode,
		SessionID: p.SessionID,
		Seq:       p.Seq,
		SubSeq:    subSeq,
	}
}

// WithTarget returns a copy of p pinned to the given destination node.
func (p Packet) WithTarget(nodeID string) Packet {
	p.ToNode = nodeID
	return p
}
