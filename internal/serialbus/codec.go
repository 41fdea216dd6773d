// Package serialbus carries Matrix CAN frames over a UART link: one
// concrete internal/host.Interface CAN transport, the serial counterpart to
// internal/socketcanbus. Framing is a narrowed port of the teacher's
// internal/serial codec: Matrix only ever puts one kind of thing on the
// wire (a CAN frame), so the instruction/flags bytes the teacher's
// multi-command UART protocol carries are dropped; only the 29-bit
// identifier and 0..8 byte payload remain.
package serialbus

import (
	"bytes"
	"encoding/binary"

	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
)

// Codec frames Matrix CAN frames for a byte-stream UART link.
type Codec struct{}

// preamble/minLn/maxLn mirror the teacher's canUARTSend shape: two sync
// bytes, a length byte covering everything through the checksum, then a
// trailing checksum byte.
const (
	pre0 = 0x2D
	pre1 = 0xD4

	// ln = idBytes(4) + payload(0..8) + checksum(1)
	minLn = 4 + 0 + 1
	maxLn = 4 + 8 + 1
)

// Encode builds one UART frame: [0x2D, 0xD4, len, id(4, big-endian),
// payload..., checksum], checksum = len + 0x2D + sum(id bytes + payload) mod 256.
func (Codec) Encode(f frame.Frame) []byte {
	payload := f.Payload()
	n := 4 + len(payload)
	out := make([]byte, 3+n+1)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	binary.BigEndian.PutUint32(out[3:7], f.ID)
	copy(out[7:], payload)

	sum := uint(out[2]) + pre0
	for _, b := range out[3 : 3+n] {
		sum += uint(b)
	}
	out[3+n] = byte(sum)
	return out
}

// compactBuffer reclaims consumed prefix capacity once a buffer has grown
// large relative to its unread bytes, so a long-running reader doesn't hold
// onto an ever-larger backing array.
func compactBuffer(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < 1024 {
		return
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
	}
}

// DecodeStream drains complete frames out of in, handing each to out. It
// resyncs on the next preamble byte after a malformed length or checksum
// and never returns an error; malformed input is only ever counted.
func (Codec) DecodeStream(in *bytes.Buffer, out func(frame.Frame)) {
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		compactBuffer(in)
		if len(data) < 3 {
			return
		}

		i := bytes.Index(data, header)
		if i < 0 {
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		if len(data) < 4 {
			return
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln
		if len(data) < req {
			return
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1]

		var f frame.Frame
		f.ID = id
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
