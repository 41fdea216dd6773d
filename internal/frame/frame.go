// Package frame defines the Matrix wire frame: the 29-bit extended CAN
// identifier layout and the 0..8 byte payload it carries. The identifier
// is never represented with language bitfields — compiler bitfield layout
// is not portable — instead explicit shift/mask encode/decode functions
// give a single, testable definition (see DESIGN.md).
package frame

// FrameType occupies the top 5 bits of the identifier. Values are fixed so
// Matrix traffic can coexist with unrelated legacy CAN traffic on the same bus.
type FrameType uint8

const (
	TypeSingle FrameType = 0x1C
	TypeBody   FrameType = 0x1D
	TypeLast   FrameType = 0x1E
)

const (
	frameIndexShift = 0
	frameIndexWidth = 5
	frameIndexMask  = (1 << frameIndexWidth) - 1

	destAddrShift = 5
	destAddrWidth = 7
	destAddrMask  = (1 << destAddrWidth) - 1

	eventFlagShift = 12

	srcAddrShift = 17
	srcAddrWidth = 7
	srcAddrMask  = (1 << srcAddrWidth) - 1

	frameTypeShift = 24
	frameTypeWidth = 5
	frameTypeMask  = (1 << frameTypeWidth) - 1
)

// MaxPayload is the maximum number of data bytes a classic CAN frame carries.
const MaxPayload = 8

// ID is the decoded form of a 29-bit extended Matrix CAN identifier.
type ID struct {
	FrameIndex uint8 // 0..31, wraps mod 32 within one sender's 32-frame window
	DestAddr   uint8 // 0 = broadcast
	EventFlag  bool
	SrcAddr    uint8
	Type       FrameType
}

// Encode packs id into a 29-bit extended CAN identifier.
func Encode(id ID) uint32 {
	var v uint32
	v |= uint32(id.FrameIndex&frameIndexMask) << frameIndexShift
	v |= uint32(id.DestAddr&destAddrMask) << destAddrShift
	if id.EventFlag {
		v |= 1 << eventFlagShift
	}
	v |= uint32(id.SrcAddr&srcAddrMask) << srcAddrShift
	v |= uint32(uint8(id.Type)&frameTypeMask) << frameTypeShift
	return v
}

// Decode unpacks a 29-bit extended CAN identifier.
func Decode(raw uint32) ID {
	return ID{
		FrameIndex: uint8(raw>>frameIndexShift) & frameIndexMask,
		DestAddr:   uint8(raw>>destAddrShift) & destAddrMask,
		EventFlag:  (raw>>eventFlagShift)&1 != 0,
		SrcAddr:    uint8(raw>>srcAddrShift) & srcAddrMask,
		Type:       FrameType(uint8(raw>>frameTypeShift) & frameTypeMask),
	}
}

// IsKnownType reports whether t is one of the three Matrix frame types;
// other frameType values must be silently ignored by the receiver.
func IsKnownType(t FrameType) bool {
	return t == TypeSingle || t == TypeBody || t == TypeLast
}

// Frame is one wire-level CAN frame: a 29-bit identifier plus 0..8 payload bytes.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxPayload]byte
}

// Payload returns the valid portion of Data.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }
