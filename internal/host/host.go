// Package host defines the capability surface the core protocol layer
// consumes from its embedder: sending CAN frames, flash file-system
// access, the device GUID, and the token callback (inbound frames reach the
// core through node.Coordinator.ReceiveFrame instead). Every external
// collaborator spec.md §6 names is represented here as an interface method
// rather than a void*-style callback table, so test doubles (internal/hostcap)
// can satisfy it and production adapters (internal/serialbus,
// internal/socketcanbus) can supply its SendFrame.
package host

import (
	"github.com/liquidlogic/ecconet-matrix/internal/ftp"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Status is the result of a flash operation.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

// Interface is the host capability surface the Coordinator is wired against.
type Interface interface {
	// SendFrame transmits one CAN frame. It must not block; returning
	// ErrSendBusy (matrixerr.ErrSendBusy) causes the core to retry next tick.
	SendFrame(id uint32, data []byte) error

	FlashRead(volume uint8, addr uint32, buf []byte) (int, Status)
	FlashWrite(volume uint8, addr uint32, data []byte) Status
	FlashErase(volume uint8, addr uint32, size uint32) Status
	FileNameToVolumeIndex(name string) uint8

	GUID() [4]uint32

	// TokenCallback is invoked for every token the core decides the host cares about.
	TokenCallback(t token.Token)

	// FTPServerReadHandler lets the host serve a file from RAM instead of
	// flash. ok=false means "not mine"; the server falls back to flash.
	FTPServerReadHandler(requester uint8, meta ftp.FileMetadata) (ok bool, data []byte)
}

// FlashVolume describes one of up to four flash regions the host exposes.
// Volume 0 must be memory-mapped readable.
type FlashVolume struct {
	Base uint32
	Size uint32
}

// FileSystem is the host's named-file layer over flash, used by the FTP
// server. It is deliberately separate from the raw Interface flash calls:
// a file carries a header (size, checksum, timestamp, storage location)
// that the file system maintains, while Interface exposes the bytes
// underneath it.
type FileSystem interface {
	// Lookup resolves a file by name, returning its metadata and storage
	// location. ok is false if the file does not exist.
	Lookup(volume uint8, name string) (meta ftp.FileMetadata, dataLocation uint32, ok bool)

	// LookupIndexed resolves a file by its 32-bit index instead of name,
	// used by the indexed-info FTP request.
	LookupIndexed(volume uint8, fileIndex uint32) (meta ftp.FileMetadata, dataLocation uint32, ok bool)

	// WriteHeader allocates storage for a new file and records its header,
	// returning the location data writes should target.
	WriteHeader(volume uint8, meta ftp.FileMetadata) (dataLocation uint32, ok bool)

	// WriteData writes data at offset bytes into the named file's storage.
	WriteData(volume uint8, name string, data []byte, offset uint32) bool

	// Erase removes a file and its data.
	Erase(volume uint8, name string) bool

	// ValidFileName reports whether name satisfies the file system's naming
	// rules (non-empty, within MaxFileNameLength, NUL-terminated on the wire).
	ValidFileName(name string) bool
}
