package transmitter

import (
	"testing"

	"github.com/liquidlogic/ecconet-matrix/internal/crc"
	"github.com/liquidlogic/ecconet-matrix/internal/eventindex"
	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

type recorder struct {
	frames []frame.Frame
}

func (r *recorder) SendFrame(id uint32, data []byte) error {
	var f frame.Frame
	f.ID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	r.frames = append(r.frames, f)
	return nil
}

func newTestTransmitter() (*Transmitter, *eventindex.Index) {
	ei := &eventindex.Index{}
	return New(func() uint8 { return 5 }, ei), ei
}

func TestSingleFrameMessageNoCrc(t *testing.T) {
	tr, _ := newTestTransmitter()
	tr.StartMessage(0)
	tr.AddByte(0xAA)
	tr.AddByte(0xBB)
	tr.FinishMessage()

	rec := &recorder{}
	for tr.Clock(rec) {
	}
	if len(rec.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(rec.frames))
	}
	id := frame.Decode(rec.frames[0].ID)
	if id.Type != frame.TypeSingle {
		t.Fatalf("expected SINGLE frame, got %v", id.Type)
	}
}

func TestMultiFrameMessageAppendsCrc(t *testing.T) {
	tr, _ := newTestTransmitter()
	tr.StartMessage(0)
	for i := 0; i < 10; i++ {
		tr.AddByte(byte(i))
	}
	tr.FinishMessage()

	rec := &recorder{}
	for tr.Clock(rec) {
	}
	if len(rec.frames) < 2 {
		t.Fatalf("expected multiple frames, got %d", len(rec.frames))
	}
	last := frame.Decode(rec.frames[len(rec.frames)-1].ID)
	if last.Type != frame.TypeLast {
		t.Fatalf("final frame should be LAST, got %v", last.Type)
	}
	first := frame.Decode(rec.frames[0].ID)
	if first.Type != frame.TypeBody {
		t.Fatalf("first frame of multi-frame message should be BODY, got %v", first.Type)
	}

	// reconstruct payload and verify trailing CRC matches content preceding it.
	var payload []byte
	for _, f := range rec.frames {
		payload = append(payload, f.Payload()...)
	}
	if !crc.VerifyMessage16(payload) {
		t.Fatalf("trailing CRC does not verify over reassembled payload")
	}
}

func TestEventStatusSetsEventFlag(t *testing.T) {
	tr, ei := newTestTransmitter()
	ei.Next()
	tr.StartMessageWithKey(0, token.MakeKey(token.PrefixOutputStatus, 1))
	tr.AddU16(token.MakeKey(token.PrefixOutputStatus, 1))
	tr.AddByte(1)
	tr.FinishMessage()

	rec := &recorder{}
	for tr.Clock(rec) {
	}
	id := frame.Decode(rec.frames[0].ID)
	if !id.EventFlag {
		t.Fatalf("output status message should set the event flag")
	}
}

func TestFrameIndexIncrementsAndWraps(t *testing.T) {
	tr, _ := newTestTransmitter()
	rec := &recorder{}
	for i := 0; i < 40; i++ {
		tr.StartMessage(0)
		for j := 0; j < 9; j++ {
			tr.AddByte(byte(j))
		}
		tr.FinishMessage()
	}
	for tr.Clock(rec) {
	}
	seen := map[uint8]bool{}
	for _, f := range rec.frames {
		id := frame.Decode(f.ID)
		seen[id.FrameIndex] = true
	}
	if len(seen) > 32 {
		t.Fatalf("frame index should wrap within 5 bits, saw %d distinct values", len(seen))
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	tr, _ := newTestTransmitter()
	for i := 0; i < RingSize+5; i++ {
		tr.StartMessage(0)
		tr.AddByte(byte(i))
		tr.FinishMessage()
	}
	if tr.FramesDropped() == 0 {
		t.Fatalf("expected some frames to be dropped once the ring overflowed")
	}
}
