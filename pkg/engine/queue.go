package engine

import "github.com/rivulet-ai/rivulet/pkg/domain"

// packetQueue is the unbounded FIFO between the router loop and one node
// task. Push never blocks on the consumer: bursts beyond the channel buffer
// spill into an overflow list drained by the pump goroutine. The growth is
// unbounded on purpose. The router must never join a wait cycle with the
// node tasks it feeds; with any fixed buffer, a streaming burst larger than
// the buffers wedges router, producer, and consumer against each other.
type packetQueue struct {
	in  chan domain.Packet
	out chan domain.Packet
}

func newPacketQueue(buffer int) *packetQueue {
	q := &packetQueue{
		in:  make(chan domain.Packet, buffer),
		out: make(chan domain.Packet),
	}
	go q.pump()
	return q
}

// push enqueues pkt. The pump is always ready to receive, so this returns
// without waiting on the node task.
func (q *packetQueue) push(pkt domain.Packet) {
	q.in <- pkt
}

// close stops intake. Packets already queued are still delivered; out closes
// after the last one.
func (q *packetQueue) close() {
	close(q.in)
}

func (q *packetQueue) pump() {
	var overflow []domain.Packet
	for {
		var out chan domain.Packet
		var next domain.Packet
		if len(overflow) > 0 {
			out = q.out
			next = overflow[0]
		}

		select {
		case pkt, ok := <-q.in:
			if !ok {
				for _, p := range overflow {
					q.out <- p
				}
				close(q.out)
				return
			}
			overflow = append(overflow, pkt)
		case out <- next:
			overflow = overflow[1:]
			if len(overflow) == 0 {
				overflow = nil
			}
		}
	}
}
