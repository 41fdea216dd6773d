// Package ftp implements the file-transfer protocol layered over the
// Matrix token transport: the server side (C8) that serves file
// info/read/write/delete, and the client side (C9) that initiates those
// requests. Both share the request/response key table, segment size, and
// access-code derivation defined here.
package ftp

import "time"

// SegmentSize is the maximum number of bytes carried in one read/write segment.
const SegmentSize = 256

// MaxFileNameLength bounds a Matrix file name (excluding NUL).
const MaxFileNameLength = 12

// RequestResponseTimeout bounds how long a client waits for a server reply,
// and how long a server waits for the next request before reverting to Idle.
const RequestResponseTimeout = time.Second

// SenderAddressFilterTimeout bounds how long the receiver locks onto a single
// FTP peer's source address.
const SenderAddressFilterTimeout = time.Second

// ProductInfoFile is the one file name always readable without an access code,
// so peers can discover a server's GUID before deriving its access code.
const ProductInfoFile = "product.inf"

// FileMetadata unifies the several ad hoc file-header shapes the original
// firmware carried once for the file system, once for the bootloader, and
// once for the library interface (see DESIGN.md).
type FileMetadata struct {
	Name      string
	Size      uint32
	Checksum  uint16
	Timestamp uint32
	Volume    uint8
	// GUID is appended only to the public product-info response, letting a
	// client bootstrap the server's access code before any other request.
	GUID [4]uint32
}

// AccessCode derives the FTP access code from a 128-bit device GUID.
// v = g0^g3; v >>= (g0>>3)&3; v ^= g2; v ^= poly; v ^= g1.
func AccessCode(guid [4]uint32) uint32 {
	const poly = 0x5EB9417D
	v := guid[0] ^ guid[3]
	v >>= (guid[0] >> 3) & 3
	v ^= guid[2]
	v ^= poly
	v ^= guid[1]
	return v
}
