package hostcap

import (
	"testing"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/ftp"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

func TestNewGUIDProducesDistinctIdentities(t *testing.T) {
	a := NewGUID()
	b := NewGUID()
	if a == b {
		t.Fatalf("want two distinct synthesized GUIDs, got %v twice", a)
	}
}

func TestFlashWriteReadRoundTrip(t *testing.T) {
	h := New(nil)
	if status := h.FlashWrite(0, 100, []byte("hello")); status != 0 {
		t.Fatalf("FlashWrite failed: status %v", status)
	}
	buf := make([]byte, 5)
	n, status := h.FlashRead(0, 100, buf)
	if status != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("want 5 bytes %q, got %d bytes %q (status %v)", "hello", n, buf, status)
	}
}

func TestFlashEraseFillsWithFF(t *testing.T) {
	h := New(nil)
	h.FlashWrite(0, 0, []byte{1, 2, 3, 4})
	h.FlashErase(0, 0, 4)
	buf := make([]byte, 4)
	h.FlashRead(0, 0, buf)
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("want erased byte 0xFF at %d, got %#x", i, b)
		}
	}
}

func TestFlashReadPastEndOfVolumeReturnsZero(t *testing.T) {
	h := New(nil)
	buf := make([]byte, 8)
	n, status := h.FlashRead(0, 1000, buf)
	if status != 0 || n != 0 {
		t.Fatalf("want 0 bytes ok, got %d (status %v)", n, status)
	}
}

func TestWriteHeaderThenLookupRoundTrips(t *testing.T) {
	h := New(nil)
	meta := ftp.FileMetadata{Name: "f.bin", Size: 4}
	loc, ok := h.WriteHeader(0, meta)
	if !ok {
		t.Fatalf("want WriteHeader to succeed")
	}
	if !h.WriteData(0, "f.bin", []byte{1, 2, 3, 4}, 0) {
		t.Fatalf("want WriteData to succeed")
	}

	got, gotLoc, ok := h.Lookup(0, "f.bin")
	if !ok || got.Size != 4 || gotLoc != loc {
		t.Fatalf("want metadata back with matching location, got %+v loc=%d ok=%v", got, gotLoc, ok)
	}

	buf := make([]byte, 4)
	h.FlashRead(0, gotLoc, buf)
	if string(buf) != "\x01\x02\x03\x04" {
		t.Fatalf("want written bytes at the recorded location, got %v", buf)
	}
}

func TestLookupIndexedMatchesWriteOrder(t *testing.T) {
	h := New(nil)
	h.WriteHeader(0, ftp.FileMetadata{Name: "a.bin"})
	h.WriteHeader(0, ftp.FileMetadata{Name: "b.bin"})

	got, _, ok := h.LookupIndexed(0, 1)
	if !ok || got.Name != "b.bin" {
		t.Fatalf("want index 1 to be b.bin, got %+v ok=%v", got, ok)
	}
}

func TestEraseRemovesFileFromLookup(t *testing.T) {
	h := New(nil)
	h.WriteHeader(0, ftp.FileMetadata{Name: "f.bin"})
	if !h.Erase(0, "f.bin") {
		t.Fatalf("want Erase to succeed")
	}
	if _, _, ok := h.Lookup(0, "f.bin"); ok {
		t.Fatalf("want Lookup to fail after Erase")
	}
}

func TestValidFileNameRejectsEmptyAndOverlong(t *testing.T) {
	h := New(nil)
	if h.ValidFileName("") {
		t.Fatalf("want empty name invalid")
	}
	if h.ValidFileName("thisnameistoolongtobevalid") {
		t.Fatalf("want overlong name invalid")
	}
	if !h.ValidFileName("ok.bin") {
		t.Fatalf("want a short name valid")
	}
}

func TestServeFromRAMSatisfiesReadHandler(t *testing.T) {
	h := New(nil)
	h.ServeFromRAM("live.txt", []byte("status"))

	ok, data := h.FTPServerReadHandler(5, ftp.FileMetadata{Name: "live.txt"})
	if !ok || string(data) != "status" {
		t.Fatalf("want RAM-served file, got ok=%v data=%q", ok, data)
	}

	ok, _ = h.FTPServerReadHandler(5, ftp.FileMetadata{Name: "not-served.txt"})
	if ok {
		t.Fatalf("want unknown RAM file to report not handled")
	}
}

func TestTokenCallbackInvokesOnToken(t *testing.T) {
	var got token.Token
	h := New(func(tk token.Token) { got = tk })
	h.TokenCallback(token.Token{Address: 5, Key: 9, Value: 42})

	if got.Address != 5 || got.Key != 9 || got.Value != 42 {
		t.Fatalf("want onToken invoked with the token, got %+v", got)
	}
}

// fakeNode records every frame handed to ReceiveFrame, standing in for a
// node.Coordinator without importing internal/node (which would make this
// package depend on its own consumer).
type fakeNode struct {
	received []uint32
}

func (f *fakeNode) ReceiveFrame(id uint32, data []byte, now time.Time) {
	f.received = append(f.received, id)
}

func TestBusDeliversFrameToOtherMembersNotSender(t *testing.T) {
	bus := NewBus()
	nodeA, nodeB := &fakeNode{}, &fakeNode{}
	hostA := bus.Register(New(nil), nodeA)
	bus.Register(New(nil), nodeB)

	now := time.Now()
	if err := hostA.SendFrame(0x1234, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	bus.Tick(now)

	if len(nodeA.received) != 0 {
		t.Fatalf("want sender not to receive its own frame, got %d", len(nodeA.received))
	}
	if len(nodeB.received) != 1 || nodeB.received[0] != 0x1234 {
		t.Fatalf("want peer to receive the frame once, got %v", nodeB.received)
	}
}

func TestBusTickClearsPendingFrames(t *testing.T) {
	bus := NewBus()
	nodeB := &fakeNode{}
	hostA := bus.Register(New(nil), &fakeNode{})
	bus.Register(New(nil), nodeB)

	now := time.Now()
	hostA.SendFrame(0x1, []byte{1})
	bus.Tick(now)
	bus.Tick(now)

	if len(nodeB.received) != 1 {
		t.Fatalf("want frame delivered exactly once across two ticks, got %d", len(nodeB.received))
	}
}
