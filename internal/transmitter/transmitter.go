// Package transmitter assembles outgoing Matrix messages into a FIFO,
// splits them into CAN frames on demand, and buffers those frames for the
// host to send one at a time. Buffering compressed frames rather than raw
// tokens keeps the look-ahead needed to flag the last frame of a message
// cheap, mirroring the original firmware's MatrixTransmitter.
package transmitter

import (
	"sync/atomic"

	"github.com/liquidlogic/ecconet-matrix/internal/crc"
	"github.com/liquidlogic/ecconet-matrix/internal/eventindex"
	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// FifoSize bounds one message's assembled byte stream before it is flushed
// into frames. 256 bytes covers every Matrix message type with headroom.
const FifoSize = 256

// RingSize is the number of ring slots; one stays empty, so at most
// RingSize-1 pending CAN frames are buffered for send. When full,
// the oldest frame is silently discarded to make room for the newest,
// matching the firmware's "write index overtakes read index" behavior.
const RingSize = 32

// Sender transmits one already-framed CAN frame. A non-nil error (typically
// matrixerr.ErrSendBusy) means the frame stays queued and is retried next Clock.
type Sender interface {
	SendFrame(id uint32, data []byte) error
}

// Transmitter assembles Matrix messages and buffers the resulting frames.
type Transmitter struct {
	srcAddr func() uint8
	events  *eventindex.Index

	fifo      [FifoSize]byte
	fifoLen   int
	crcAcc    uint16
	destAddr  uint8
	isEvent   bool
	sent      int
	frameIdx  uint8

	ring      [RingSize]frame.Frame
	ringRead  int
	ringWrite int

	framesSent atomic.Int64
	framesDropped atomic.Int64
}

// New builds a Transmitter. srcAddr is called lazily so the caller's address
// manager can still be negotiating when the transmitter is constructed.
func New(srcAddr func() uint8, events *eventindex.Index) *Transmitter {
	return &Transmitter{srcAddr: srcAddr, events: events}
}

// Reset clears the frame index and ring buffer. It does not affect an
// in-progress message fifo; callers reset between messages via StartMessage.
func (t *Transmitter) Reset() {
	t.frameIdx = 0
	t.ringRead = 0
	t.ringWrite = 0
}

// StartMessage begins a new message addressed to destinationAddress (0 = broadcast).
func (t *Transmitter) StartMessage(destinationAddress uint8) {
	t.StartMessageWithKey(destinationAddress, token.KeyNull)
}

// StartMessageWithKey begins a new message, using key to decide whether the
// message carries an event flag and which byte opens the stream.
func (t *Transmitter) StartMessageWithKey(destinationAddress uint8, key uint16) {
	t.fifoLen = 0
	t.crcAcc = 0
	t.sent = 0
	t.destAddr = destinationAddress
	t.isEvent = false

	prefix := token.GetPrefix(key)
	switch {
	case key == token.KeyRequestAddress || key == token.KeyResponseAddressInUse:
		t.AddByte(0)
	case prefix == token.PrefixInputStatus || prefix == token.PrefixOutputStatus:
		t.isEvent = true
		t.AddByte(t.events.Get())
	default:
		t.AddByte(t.events.Get())
	}
}

// AddByte appends a byte to the message fifo, flushing a full BODY frame
// once a ninth byte is waiting behind the first eight.
func (t *Transmitter) AddByte(b byte) {
	t.crcAcc = crc.AddByte16(b, t.crcAcc)
	t.fifo[t.fifoLen] = b
	t.fifoLen++
	if t.fifoLen > frame.MaxPayload {
		t.sendFrame(false)
	}
}

// AddU16 appends a big-endian 16-bit value.
func (t *Transmitter) AddU16(v uint16) {
	t.AddByte(byte(v >> 8))
	t.AddByte(byte(v))
}

// AddU32 appends a big-endian 32-bit value.
func (t *Transmitter) AddU32(v uint32) {
	t.AddByte(byte(v >> 24))
	t.AddByte(byte(v >> 16))
	t.AddByte(byte(v >> 8))
	t.AddByte(byte(v))
}

// AddString appends a NUL-terminated string, including the terminator, up to 256 bytes.
func (t *Transmitter) AddString(s string) {
	i := 0
	for {
		var b byte
		if i < len(s) {
			b = s[i]
		}
		t.AddByte(b)
		if b == 0 || i >= 256 {
			return
		}
		i++
	}
}

// AddToken appends a token's key and, unless it's a PatternSync token (always
// one value byte), its region-derived value width.
func (t *Transmitter) AddToken(tok token.Token) {
	t.AddU16(tok.Key)
	size := token.ValueSize(tok.Key)
	if token.GetPrefix(tok.Key) == token.PrefixPatternSync {
		size = 1
	}
	for size > 0 {
		size--
		t.AddByte(byte(tok.Value >> (8 * uint(size))))
	}
}

// FinishMessage appends the CRC (for multi-frame messages) and flushes the
// remaining fifo bytes as frames, tagging the last one SINGLE or LAST.
func (t *Transmitter) FinishMessage() {
	isSingle := t.sent+t.fifoLen <= frame.MaxPayload
	if !isSingle {
		c := t.crcAcc
		t.AddByte(byte(c >> 8))
		t.AddByte(byte(c))
	}
	for t.fifoLen > 0 {
		t.sendFrame(isSingle)
	}
}

func (t *Transmitter) sendFrame(isSingle bool) {
	n := t.fifoLen
	if n > frame.MaxPayload {
		n = frame.MaxPayload
	}
	if n == 0 {
		return
	}

	ftype := frame.TypeBody
	if n == t.fifoLen {
		if isSingle {
			ftype = frame.TypeSingle
		} else {
			ftype = frame.TypeLast
		}
	}

	id := frame.ID{
		FrameIndex: t.frameIdx,
		DestAddr:   t.destAddr,
		EventFlag:  t.isEvent,
		SrcAddr:    t.srcAddr(),
		Type:       ftype,
	}

	var f frame.Frame
	f.ID = frame.Encode(id)
	f.Len = uint8(n)
	copy(f.Data[:], t.fifo[:n])
	t.push(f)

	t.sent += n
	t.frameIdx = (t.frameIdx + 1) & 0x1F

	t.fifoLen -= n
	if t.fifoLen > 0 {
		copy(t.fifo[:], t.fifo[n:n+t.fifoLen])
	}
}

// push adds a frame to the ring buffer, dropping the oldest frame if full.
func (t *Transmitter) push(f frame.Frame) {
	next := (t.ringWrite + 1) % RingSize
	if next == t.ringRead {
		t.ringRead = (t.ringRead + 1) % RingSize
		t.framesDropped.Add(1)
	}
	t.ring[t.ringWrite] = f
	t.ringWrite = next
}

// Clock drains one pending frame to sender per call, matching the
// cooperative one-frame-per-tick pace of the original firmware. It returns
// false when the ring is empty or the sender reports matrixerr.ErrSendBusy.
func (t *Transmitter) Clock(sender Sender) bool {
	if t.ringRead == t.ringWrite {
		return false
	}
	f := t.ring[t.ringRead]
	if err := sender.SendFrame(f.ID, f.Payload()); err != nil {
		return false
	}
	t.ringRead = (t.ringRead + 1) % RingSize
	t.framesSent.Add(1)
	return true
}

// FramesSent returns the lifetime count of frames handed to the sender.
func (t *Transmitter) FramesSent() int64 { return t.framesSent.Load() }

// FramesDropped returns the lifetime count of frames discarded because the
// ring filled before the host could send them.
func (t *Transmitter) FramesDropped() int64 { return t.framesDropped.Load() }
