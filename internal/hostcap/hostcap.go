// Package hostcap is an in-memory implementation of internal/host's
// Interface and FileSystem, for package tests and the cmd/ecconet-node
// loopback demo. It stands in for real flash, a real named-file directory,
// and a real CAN transceiver, the way the teacher's internal/socketcan stub
// build stands in for a real socket when CGO/Linux support isn't available.
package hostcap

import (
	"sync"

	"github.com/rs/xid"

	"github.com/liquidlogic/ecconet-matrix/internal/ftp"
	"github.com/liquidlogic/ecconet-matrix/internal/host"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// flashVolume is one region of simulated flash: a growable byte slice plus
// the files written into it, indexed by name and by write order (for
// LookupIndexed).
type flashVolume struct {
	data  []byte
	files []*ftp.FileMetadata
	locs  map[string]uint32
}

// Host is an in-memory host.Interface. Zero value is not usable; build one
// with New. Safe for concurrent use: a Bus may deliver frames to it from a
// goroutine different from the one driving its Coordinator's Clock.
type Host struct {
	mu sync.Mutex

	guid [4]uint32

	volumes [4]flashVolume

	bus  *Bus
	self uint8 // bus slot index, set by Bus.Register

	onToken func(token.Token)
	readRAM map[string][]byte // files FTPServerReadHandler serves without touching flash
}

// NewGUID derives a synthetic 128-bit GUID from a fresh xid, so repeated
// calls in a test or demo produce distinct device identities without a real
// hardware GUID source.
func NewGUID() [4]uint32 {
	id := xid.New()
	raw := id.Bytes() // 12 bytes
	var guid [4]uint32
	guid[0] = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	guid[1] = uint32(raw[4])<<24 | uint32(raw[5])<<16 | uint32(raw[6])<<8 | uint32(raw[7])
	guid[2] = uint32(raw[8])<<24 | uint32(raw[9])<<16 | uint32(raw[10])<<8
	guid[3] = 0
	return guid
}

// New builds a Host with a freshly synthesized GUID. onToken may be nil.
func New(onToken func(token.Token)) *Host {
	return &Host{guid: NewGUID(), onToken: onToken, readRAM: make(map[string][]byte)}
}

// ServeFromRAM makes name readable over FTP straight out of an in-memory
// buffer, bypassing the flash-backed file system entirely (mirrors the
// firmware's read-hook escape hatch for files that live in RAM, e.g. a
// live status page).
func (h *Host) ServeFromRAM(name string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readRAM[name] = append([]byte(nil), data...)
}

// SendFrame implements host.Interface by handing the frame to the Bus this
// Host was registered with, if any. With no Bus it is a silent no-op sink,
// useful for single-node tests that never expect bus traffic.
func (h *Host) SendFrame(id uint32, data []byte) error {
	if h.bus == nil {
		return nil
	}
	h.bus.deliver(h.self, id, data)
	return nil
}

func (h *Host) FlashRead(volume uint8, addr uint32, buf []byte) (int, host.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return 0, host.StatusError
	}
	v := &h.volumes[volume]
	if addr >= uint32(len(v.data)) {
		return 0, host.StatusOK
	}
	n := copy(buf, v.data[addr:])
	return n, host.StatusOK
}

func (h *Host) FlashWrite(volume uint8, addr uint32, data []byte) host.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return host.StatusError
	}
	v := &h.volumes[volume]
	need := addr + uint32(len(data))
	if need > uint32(len(v.data)) {
		grown := make([]byte, need)
		copy(grown, v.data)
		v.data = grown
	}
	copy(v.data[addr:], data)
	return host.StatusOK
}

func (h *Host) FlashErase(volume uint8, addr uint32, size uint32) host.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return host.StatusError
	}
	v := &h.volumes[volume]
	end := addr + size
	if end > uint32(len(v.data)) {
		end = uint32(len(v.data))
	}
	for i := addr; i < end; i++ {
		v.data[i] = 0xFF
	}
	return host.StatusOK
}

// FileNameToVolumeIndex always resolves to volume 0: this test double
// doesn't model the firmware's multi-volume naming convention, since no
// SPEC_FULL.md component needs more than one.
func (h *Host) FileNameToVolumeIndex(name string) uint8 { return 0 }

func (h *Host) GUID() [4]uint32 { return h.guid }

func (h *Host) TokenCallback(t token.Token) {
	if h.onToken != nil {
		h.onToken(t)
	}
}

func (h *Host) FTPServerReadHandler(requester uint8, meta ftp.FileMetadata) (bool, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.readRAM[meta.Name]
	return ok, data
}

// Lookup implements host.FileSystem / ftp.FileSystem over the in-memory
// flash volumes: file headers live in a parallel slice, data in the volume
// bytes at the recorded location.
func (h *Host) Lookup(volume uint8, name string) (ftp.FileMetadata, uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return ftp.FileMetadata{}, 0, false
	}
	v := &h.volumes[volume]
	for _, f := range v.files {
		if f.Name == name {
			return *f, v.locs[name], true
		}
	}
	return ftp.FileMetadata{}, 0, false
}

func (h *Host) LookupIndexed(volume uint8, fileIndex uint32) (ftp.FileMetadata, uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return ftp.FileMetadata{}, 0, false
	}
	v := &h.volumes[volume]
	if fileIndex >= uint32(len(v.files)) {
		return ftp.FileMetadata{}, 0, false
	}
	f := v.files[fileIndex]
	return *f, v.locs[f.Name], true
}

func (h *Host) WriteHeader(volume uint8, meta ftp.FileMetadata) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) || !h.validFileNameLocked(meta.Name) {
		return 0, false
	}
	v := &h.volumes[volume]
	if v.locs == nil {
		v.locs = make(map[string]uint32)
	}
	loc := uint32(len(v.data))
	v.data = append(v.data, make([]byte, meta.Size)...)
	v.locs[meta.Name] = loc

	for i, f := range v.files {
		if f.Name == meta.Name {
			v.files[i] = &meta
			return loc, true
		}
	}
	v.files = append(v.files, &meta)
	return loc, true
}

func (h *Host) WriteData(volume uint8, name string, data []byte, offset uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return false
	}
	v := &h.volumes[volume]
	loc, ok := v.locs[name]
	if !ok {
		return false
	}
	start := loc + offset
	if uint32(len(v.data)) < start+uint32(len(data)) {
		return false
	}
	copy(v.data[start:], data)
	return true
}

func (h *Host) Erase(volume uint8, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(volume) >= len(h.volumes) {
		return false
	}
	v := &h.volumes[volume]
	for i, f := range v.files {
		if f.Name == name {
			v.files = append(v.files[:i], v.files[i+1:]...)
			delete(v.locs, name)
			return true
		}
	}
	return false
}

func (h *Host) ValidFileName(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validFileNameLocked(name)
}

func (h *Host) validFileNameLocked(name string) bool {
	return len(name) > 0 && len(name) <= ftp.MaxFileNameLength
}
