package ftp

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Sender drains a fully-assembled outbound message. It mirrors the subset of
// the Transmitter's API the FTP layer needs, so server/client stay decoupled
// from the concrete transmitter package.
type Sender interface {
	StartMessage(destinationAddress uint8)
	AddByte(b byte)
	AddU16(v uint16)
	AddU32(v uint32)
	AddString(s string)
	FinishMessage()
}

// AddressFilter locks receiver reassembly onto one peer for the duration of
// a transfer, the same role the receiver's sender-address filter plays.
type AddressFilter interface {
	SetSenderAddressFilter(addr uint8, now time.Time)
}

// FileSystem is the host's named-file layer the server reads and writes through.
type FileSystem interface {
	Lookup(volume uint8, name string) (meta FileMetadata, dataLocation uint32, ok bool)
	LookupIndexed(volume uint8, fileIndex uint32) (meta FileMetadata, dataLocation uint32, ok bool)
	WriteHeader(volume uint8, meta FileMetadata) (dataLocation uint32, ok bool)
	WriteData(volume uint8, name string, data []byte, offset uint32) bool
	Erase(volume uint8, name string) bool
	ValidFileName(name string) bool
}

// FlashReader reads raw bytes from a flash volume, used to stream file segments.
type FlashReader interface {
	FlashRead(volume uint8, addr uint32, buf []byte) (int, int)
}

// GUIDProvider exposes the device's 128-bit identity for access-code derivation.
type GUIDProvider interface {
	GUID() [4]uint32
}

// VolumeResolver maps a file name to the volume it belongs to.
type VolumeResolver interface {
	FileNameToVolumeIndex(name string) uint8
}

// ReadHandler lets the host serve one file from RAM instead of the flash
// file system. ok=false means the host doesn't own that file.
type ReadHandler func(requester uint8, meta FileMetadata) (ok bool, data []byte)

type serverRequest struct {
	key     uint16
	address uint8
	expires time.Time
}

// Server implements the single-client-at-a-time FTP request handler (C8).
type Server struct {
	fs       FileSystem
	flash    FlashReader
	guid     GUIDProvider
	volumes  VolumeResolver
	readHook ReadHandler

	accessCode uint32

	client  serverRequest
	file    FileMetadata
	dataLoc uint32
	fileData []byte // set instead of dataLoc when a read handler serves from RAM
}

// NewServer builds a Server. readHook may be nil.
func NewServer(fs FileSystem, flash FlashReader, guid GUIDProvider, volumes VolumeResolver, readHook ReadHandler) *Server {
	return &Server{fs: fs, flash: flash, guid: guid, volumes: volumes, readHook: readHook}
}

// Reset clears any in-progress transfer and recomputes the access code
// (the GUID never changes at runtime, but Reset matches the firmware's
// startup sequencing).
func (s *Server) Reset(now time.Time) {
	s.client = serverRequest{expires: now.Add(RequestResponseTimeout)}
	s.accessCode = AccessCode(s.guid.GUID())
}

// AccessCode returns this server's current access code, for diagnostics.
func (s *Server) AccessCode() uint32 { return s.accessCode }

// Busy reports whether a client transaction is in progress, so the
// Coordinator's FTP client can report itself busy and avoid two transfers
// running at once over the one receiver sender-address filter.
func (s *Server) Busy() bool { return s.client.key != token.KeyNull }

// Clock reverts an inactive client back to idle.
func (s *Server) Clock(now time.Time, filter AddressFilter) {
	if s.client.key != token.KeyNull && now.After(s.client.expires) {
		s.client = serverRequest{}
		filter.SetSenderAddressFilter(0, now)
	}
}

// ClientRequestIn handles one inbound FTP request token body.
func (s *Server) ClientRequestIn(now time.Time, sender Sender, filter AddressFilter, clientBusy bool, senderAddr uint8, requestKey uint16, body []byte) {
	if clientBusy {
		return // this node is itself acting as a client; refuse concurrent server duty.
	}
	metrics.IncFtpServerRequest()

	startsTransfer := requestKey == token.KeyRequestFileReadStart || requestKey == token.KeyRequestFileWriteStart
	if s.client.key != token.KeyNull && (startsTransfer || senderAddr != s.client.address) {
		s.reply(sender, senderAddr, token.KeyResponseFtpServerBusy, func(Sender) {})
		return
	}

	s.client = serverRequest{key: requestKey, address: senderAddr, expires: now.Add(RequestResponseTimeout)}
	filter.SetSenderAddressFilter(senderAddr, now)

	switch requestKey {
	case token.KeyRequestFileIndexedInfo, token.KeyRequestFileInfo, token.KeyRequestFileReadStart:
		s.handleInfoOrReadStart(sender, senderAddr, requestKey, body)
	case token.KeyRequestFileReadSegment:
		s.handleReadSegment(sender, body)
	case token.KeyRequestFileWriteStart:
		s.handleWriteStart(sender, body)
	case token.KeyRequestFileWriteSegment:
		s.handleWriteSegment(sender, body)
	case token.KeyRequestFileDelete:
		s.handleDelete(sender, body)
	case token.KeyRequestFileTransferDone:
		s.client = serverRequest{}
		filter.SetSenderAddressFilter(0, now)
	}
}

func (s *Server) refuse(sender Sender, responseKey uint16) {
	addr := s.client.address
	s.client = serverRequest{}
	s.reply(sender, addr, responseKey, func(Sender) {})
}

func (s *Server) reply(sender Sender, dest uint8, responseKey uint16, body func(Sender)) {
	sender.StartMessage(dest)
	sender.AddU16(responseKey)
	body(sender)
	sender.FinishMessage()
}

func validateAccessCode(code []byte, want uint32) bool {
	if len(code) < 4 {
		return false
	}
	var v uint32
	for _, b := range code[:4] {
		v = v<<8 | uint32(b)
	}
	return v == want
}

func parseNulString(b []byte) (string, int) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1
		}
	}
	return "", 0
}

func (s *Server) handleInfoOrReadStart(sender Sender, requester uint8, requestKey uint16, body []byte) {
	s.file = FileMetadata{}

	var sendingGUID bool
	var meta FileMetadata
	var loc uint32
	var ok bool
	var dataOverride []byte

	if requestKey == token.KeyRequestFileIndexedInfo {
		if len(body) < 2+4+4 {
			s.refuse(sender, token.KeyResponseFtpClientError)
			return
		}
		volIdx := uint32(body[0])<<8 | uint32(body[1])
		fileIndex := uint32(body[2])<<24 | uint32(body[3])<<16 | uint32(body[4])<<8 | uint32(body[5])
		if !validateAccessCode(body[6:], s.accessCode) {
			s.refuse(sender, token.KeyResponseFtpClientError)
			return
		}
		meta, loc, ok = s.fs.LookupIndexed(uint8(volIdx), fileIndex)
		if !ok {
			s.refuse(sender, token.KeyResponseFileNotFound)
			return
		}
	} else {
		name, n := parseNulString(body)
		if n == 0 || !s.fs.ValidFileName(name) {
			s.refuse(sender, token.KeyResponseFtpClientError)
			return
		}
		s.file.Name = name
		rest := body[n:]

		sendingGUID = requestKey == token.KeyRequestFileInfo && name == ProductInfoFile
		if !sendingGUID && !validateAccessCode(rest, s.accessCode) {
			s.refuse(sender, token.KeyResponseFtpClientError)
			return
		}

		volume := uint8(0)
		if s.volumes != nil {
			volume = s.volumes.FileNameToVolumeIndex(name)
		}

		if s.readHook != nil {
			if hookOK, data := s.readHook(requester, FileMetadata{Name: name, Volume: volume}); hookOK {
				dataOverride = data
				meta = FileMetadata{Name: name, Volume: volume, Size: uint32(len(data))}
				ok = true
			}
		}
		if !ok {
			meta, loc, ok = s.fs.Lookup(volume, name)
		}
		if !ok {
			if sendingGUID {
				meta = FileMetadata{Name: name, Volume: volume, Size: 1}
				ok = true
			} else {
				s.refuse(sender, token.KeyResponseFileNotFound)
				return
			}
		}
	}

	s.file = meta
	s.dataLoc = loc
	s.fileData = dataOverride

	responseKey := token.KeyResponseFileReadStart
	switch requestKey {
	case token.KeyRequestFileIndexedInfo:
		responseKey = token.KeyResponseFileIndexedInfo
	case token.KeyRequestFileInfo:
		responseKey = token.KeyResponseFileInfo
	}

	s.reply(sender, requester, responseKey, func(tx Sender) {
		tx.AddString(s.file.Name)
		tx.AddU32(s.file.Size)
		tx.AddU16(s.file.Checksum)
		tx.AddU32(s.file.Timestamp)
		if sendingGUID {
			g := s.guid.GUID()
			for _, w := range g {
				tx.AddU32(w)
			}
		}
	})
}

func (s *Server) handleReadSegment(sender Sender, body []byte) {
	if s.file.Size == 0 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	if len(body) < 2+4 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	segIndex := uint16(body[0])<<8 | uint16(body[1])
	if !validateAccessCode(body[2:], s.accessCode) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}

	start := uint32(segIndex) * SegmentSize
	end := start + SegmentSize
	if end > s.file.Size {
		end = s.file.Size
	}
	if start > end {
		start = end
	}

	s.reply(sender, s.client.address, token.KeyResponseFileReadSegment, func(tx Sender) {
		tx.AddU16(segIndex)
		if s.fileData != nil {
			for i := start; i < end; i++ {
				tx.AddByte(s.fileData[i])
			}
			return
		}
		buf := make([]byte, 16)
		loc := s.dataLoc + start
		last := s.dataLoc + end
		for loc < last {
			n := last - loc
			if n > uint32(len(buf)) {
				n = uint32(len(buf))
			}
			s.flash.FlashRead(s.file.Volume, loc, buf[:n])
			for i := uint32(0); i < n; i++ {
				tx.AddByte(buf[i])
			}
			loc += n
		}
	})
}

func (s *Server) handleWriteStart(sender Sender, body []byte) {
	s.file = FileMetadata{}
	name, n := parseNulString(body)
	if n == 0 || !s.fs.ValidFileName(name) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	s.file.Name = name
	rest := body[n:]
	if len(rest) < 4+2+4+4 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	s.file.Size = uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3])
	s.file.Checksum = uint16(rest[4])<<8 | uint16(rest[5])
	s.file.Timestamp = uint32(rest[6])<<24 | uint32(rest[7])<<16 | uint32(rest[8])<<8 | uint32(rest[9])
	if !validateAccessCode(rest[10:], s.accessCode) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}

	volume := uint8(0)
	if s.volumes != nil {
		volume = s.volumes.FileNameToVolumeIndex(name)
	}
	s.file.Volume = volume

	loc, ok := s.fs.WriteHeader(volume, s.file)
	if !ok {
		s.refuse(sender, token.KeyResponseFtpDiskFull)
		return
	}
	s.dataLoc = loc

	s.reply(sender, s.client.address, token.KeyResponseFileWriteStart, func(tx Sender) {
		tx.AddString(s.file.Name)
	})
}

func (s *Server) handleWriteSegment(sender Sender, body []byte) {
	if s.file.Size == 0 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	if len(body) < 2+4 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	segIndex := uint16(body[0])<<8 | uint16(body[1])
	offset := uint32(segIndex) * SegmentSize
	if !validateAccessCode(body[2:6], s.accessCode) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	data := body[6:]
	if !s.fs.WriteData(s.file.Volume, s.file.Name, data, offset) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}

	s.reply(sender, s.client.address, token.KeyResponseFileWriteSegment, func(tx Sender) {
		tx.AddU16(segIndex)
	})
}

func (s *Server) handleDelete(sender Sender, body []byte) {
	name, n := parseNulString(body)
	if n == 0 || !s.fs.ValidFileName(name) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	rest := body[n:]
	if len(rest) < 4 {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}
	if !validateAccessCode(rest, s.accessCode) {
		s.refuse(sender, token.KeyResponseFtpClientError)
		return
	}

	volume := uint8(0)
	if s.volumes != nil {
		volume = s.volumes.FileNameToVolumeIndex(name)
	}
	if !s.fs.Erase(volume, name) {
		s.refuse(sender, token.KeyResponseFileNotFound)
		return
	}

	s.reply(sender, s.client.address, token.KeyResponseFileDelete, func(tx Sender) {
		tx.AddString(name)
	})
}
