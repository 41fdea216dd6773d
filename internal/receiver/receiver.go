// Package receiver reassembles inbound Matrix CAN frames into messages,
// verifies their CRC, and dispatches decoded tokens. Frames arrive
// asynchronously (the bus driver's ISR or read goroutine); Clock drains them
// cooperatively from a back buffer into one partial message per source;
// frames that arrive out of frame-index order are dropped, not re-sorted.
package receiver

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/codec"
	"github.com/liquidlogic/ecconet-matrix/internal/crc"
	"github.com/liquidlogic/ecconet-matrix/internal/eventindex"
	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// BackBufferSize bounds the single-producer/single-consumer ring the driver
// writes into; it is the only concurrency primitive in the system.
const BackBufferSize = 64

// StaleFrameTimeout drops a partial message that stopped making progress.
const StaleFrameTimeout = 750 * time.Millisecond

// SenderAddressFilterTimeout bounds how long a sender-address lock (used by
// FTP to isolate one peer's multi-frame traffic) stays in effect.
const SenderAddressFilterTimeout = time.Second

// Dispatcher routes a decoded message to the rest of the node. Implemented
// by the Coordinator, which fans out to the address manager, time-logic
// engine, sequencer, FTP client/server, and the host token callback.
type Dispatcher interface {
	DispatchToken(tok token.Token, isEvent bool)
	DispatchPatternSync(sourceAddr uint8, patternEnum uint16)
	DispatchFtpResponse(sourceAddr uint8, key uint16, body []byte)
	DispatchFtpRequest(sourceAddr uint8, key uint16, body []byte)
}

type rawFrame struct {
	id       frame.ID
	data     [frame.MaxPayload]byte
	len      uint8
	received time.Time
}

type partial struct {
	payload  []byte
	next     uint8
	isEvent  bool
	started  time.Time
	updated  time.Time
}

// Receiver owns the async-fed back buffer and the per-source reassembly state.
type Receiver struct {
	ownAddr func() uint8
	events  *eventindex.Index

	back      [BackBufferSize]rawFrame
	backRead  int
	backWrite int

	partials map[uint8]*partial

	senderFilter        uint8
	senderFilterExpires time.Time
}

// New builds a Receiver bound to the node's own address and shared event index.
func New(ownAddr func() uint8, events *eventindex.Index) *Receiver {
	return &Receiver{
		ownAddr:  ownAddr,
		events:   events,
		partials: make(map[uint8]*partial),
	}
}

// Reset clears all buffered and partial state.
func (r *Receiver) Reset() {
	r.backRead, r.backWrite = 0, 0
	r.partials = make(map[uint8]*partial)
	r.senderFilter = 0
}

// SetSenderAddressFilter locks reassembly onto a single peer's multi-frame
// traffic (used by the FTP client/server to avoid interleaving transfers).
func (r *Receiver) SetSenderAddressFilter(addr uint8, now time.Time) {
	r.senderFilter = addr
	r.senderFilterExpires = now.Add(SenderAddressFilterTimeout)
}

// FtpLocked reports whether reassembly is currently locked onto a single
// sender, the same condition the status beacon checks before broadcasting so
// it never interleaves with an in-progress FTP transfer.
func (r *Receiver) FtpLocked() bool {
	return r.senderFilter != 0
}

// Push enqueues one raw CAN frame from the driver's receive path. It applies
// the frame-type, destination, and sender filters before buffering, and never
// blocks: if the back buffer is full the oldest unread frame is discarded.
func (r *Receiver) Push(id uint32, data []byte, now time.Time) {
	fid := frame.Decode(id)
	if !frame.IsKnownType(fid.Type) {
		return
	}
	if fid.DestAddr != token.AddrBroadcast && fid.DestAddr != r.ownAddr() {
		return
	}
	if fid.Type != frame.TypeSingle && r.senderFilter != 0 && r.senderFilter != fid.SrcAddr {
		return
	}

	next := (r.backWrite + 1) % BackBufferSize
	if next == r.backRead {
		r.backRead = (r.backRead + 1) % BackBufferSize
	}
	rf := &r.back[r.backWrite]
	rf.id = fid
	rf.len = uint8(len(data))
	if rf.len > frame.MaxPayload {
		rf.len = frame.MaxPayload
	}
	copy(rf.data[:], data[:rf.len])
	rf.received = now
	r.backWrite = next
}

// Clock drains newly arrived frames, reassembles complete messages, and
// dispatches their tokens through d. It must be called regularly; it never blocks.
func (r *Receiver) Clock(now time.Time, d Dispatcher) {
	if !r.senderFilterExpires.IsZero() && now.After(r.senderFilterExpires) {
		r.senderFilter = 0
	}

	for r.backRead != r.backWrite {
		rf := r.back[r.backRead]
		r.backRead = (r.backRead + 1) % BackBufferSize
		r.ingest(rf, d)
	}

	for addr, p := range r.partials {
		if now.Sub(p.updated) > StaleFrameTimeout {
			delete(r.partials, addr)
			metrics.IncStale()
		}
	}
}

func (r *Receiver) ingest(rf rawFrame, d Dispatcher) {
	payload := rf.data[:rf.len]

	switch rf.id.Type {
	case frame.TypeSingle:
		r.complete(rf.id.SrcAddr, payload, rf.id.EventFlag, d)
		return

	case frame.TypeBody:
		p, ok := r.partials[rf.id.SrcAddr]
		if !ok || p.next != rf.id.FrameIndex {
			if ok {
				metrics.IncReordered()
			}
			p = &partial{started: rf.received}
			r.partials[rf.id.SrcAddr] = p
		}
		p.payload = append(p.payload, payload...)
		p.isEvent = p.isEvent || rf.id.EventFlag
		p.next = (rf.id.FrameIndex + 1) & 0x1F
		p.updated = rf.received

	case frame.TypeLast:
		p, ok := r.partials[rf.id.SrcAddr]
		if !ok || p.next != rf.id.FrameIndex {
			// lone LAST with no preceding BODY: nothing to reassemble.
			if ok {
				metrics.IncReordered()
			}
			delete(r.partials, rf.id.SrcAddr)
			return
		}
		p.payload = append(p.payload, payload...)
		p.isEvent = p.isEvent || rf.id.EventFlag
		delete(r.partials, rf.id.SrcAddr)

		if len(p.payload) <= frame.MaxPayload {
			return // a 1-frame "multi" message never legitimately occurs; drop.
		}
		if !crc.VerifyMessage16(p.payload) {
			metrics.IncCrcMismatch()
			return
		}
		r.complete(rf.id.SrcAddr, p.payload[:len(p.payload)-2], p.isEvent, d)
	}
}

// complete decodes one fully-reassembled message body (CRC already stripped
// for multi-frame messages) and dispatches it per spec's key-based routing.
func (r *Receiver) complete(srcAddr uint8, body []byte, isEvent bool, d Dispatcher) {
	if len(body) < 3 {
		return
	}
	eventByte := body[0]
	key := (uint16(body[1]&^0xE0) << 8) | uint16(body[2])
	fullKeyByte := body[1]
	prefix := token.Prefix(fullKeyByte >> 5)

	switch {
	case prefix == token.PrefixPatternSync:
		d.DispatchPatternSync(srcAddr, key)
		return
	case token.IsFtpResponse(key):
		d.DispatchFtpResponse(srcAddr, key, body[3:])
		return
	case token.IsFtpRequest(key):
		d.DispatchFtpRequest(srcAddr, key, body[3:])
		return
	}

	isCommand := prefix == token.PrefixCommand && len(body) == 3+int(token.ValueSize(key))
	if isEvent {
		r.events.Observe(eventByte)
	}
	if !isEvent && !isCommand && r.events.IsExpired(eventByte) {
		return
	}

	rest := body[1:]
	sink := func(tok token.Token) {
		d.DispatchToken(tok, isEvent)
	}
	for len(rest) > 0 {
		consumed, err := codec.Decompress(rest, srcAddr, sink)
		if err != nil || consumed == 0 {
			return
		}
		rest = rest[consumed:]
	}
}
