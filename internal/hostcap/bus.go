package hostcap

import (
	"sync"
	"time"
)

// frameReceiver is the minimal surface a Bus needs from whatever is driving
// a registered Host's node: feed one raw inbound frame in. *node.Coordinator
// satisfies this directly.
type frameReceiver interface {
	ReceiveFrame(id uint32, data []byte, now time.Time)
}

type busMember struct {
	host *Host
	node frameReceiver
}

// Bus is an in-memory CAN bus: every frame one registered Host sends is
// delivered to every other registered member's node on the next Tick. It
// replaces a physical transceiver for tests and the cmd/ecconet-node
// loopback demo, the same role internal/socketcan's stub build plays for a
// socket that isn't available at build time.
type Bus struct {
	mu      sync.Mutex
	members []busMember
	pending []busFrame
}

type busFrame struct {
	from uint8
	id   uint32
	data []byte
}

// NewBus builds an empty Bus.
func NewBus() *Bus { return &Bus{} }

// Register attaches a Host/node pair to the bus and returns the Host, ready
// to pass to node.Coordinator.Reset. node is whatever drives that Host's
// frames in; pass the *node.Coordinator built against host.
func (b *Bus) Register(host *Host, node frameReceiver) *Host {
	b.mu.Lock()
	defer b.mu.Unlock()
	host.bus = b
	host.self = uint8(len(b.members))
	b.members = append(b.members, busMember{host: host, node: node})
	return host
}

func (b *Bus) deliver(from uint8, id uint32, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, busFrame{from: from, id: id, data: append([]byte(nil), data...)})
}

// Tick hands every frame queued since the last Tick to every member other
// than its sender. Call this once per simulated tick, after driving every
// node's own Clock, so a frame sent this tick is visible to peers on their
// next Clock, matching real propagation delay of at least one tick.
func (b *Bus) Tick(now time.Time) {
	b.mu.Lock()
	frames := b.pending
	b.pending = nil
	members := append([]busMember(nil), b.members...)
	b.mu.Unlock()

	for _, f := range frames {
		for i, m := range members {
			if uint8(i) == f.from {
				continue
			}
			m.node.ReceiveFrame(f.id, f.data, now)
		}
	}
}
