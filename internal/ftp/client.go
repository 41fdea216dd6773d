package ftp

import (
	"time"

	"github.com/rs/xid"

	"github.com/liquidlogic/ecconet-matrix/internal/crc"
	"github.com/liquidlogic/ecconet-matrix/internal/matrixerr"
	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Outcome is delivered to a Client callback exactly once per request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// CallbackInfo carries the result of one FTP transaction back to the requester.
type CallbackInfo struct {
	Outcome  Outcome
	Err      error
	Meta     FileMetadata
	GUID     [4]uint32
	HasGUID  bool
	Data     []byte
	SegIndex uint16

	// TxID correlates every log line a multi-segment transfer produces with
	// the request that started it. It never goes on the wire.
	TxID xid.ID
}

// Callback receives the terminal result of one client-initiated transaction.
type Callback func(CallbackInfo)

type transferParams struct {
	serverAddr uint8
	accessCode uint32
	name       string
	callback   Callback

	writeData []byte

	meta        FileMetadata
	readBuf     []byte
	segIndex    uint16
	isIndexed   bool
	volumeIndex uint8
	fileIndex   uint32
	isWrite     bool

	txID xid.ID
}

// ServerBusy reports whether this node is itself serving another client;
// the FTP layer is half-duplex, so a Client refuses new requests while true.
type ServerBusy func() bool

// Client implements the Idle/Awaiting FTP request state machine (C9).
type Client struct {
	expected   uint16
	address    uint8
	since      time.Time
	tx         transferParams
	serverBusy ServerBusy
}

// NewClient builds a Client. serverBusy reports whether this node's FTP
// server is mid-transaction, which blocks new outbound requests.
func NewClient(serverBusy ServerBusy) *Client {
	return &Client{serverBusy: serverBusy}
}

// Reset returns the client to Idle.
func (c *Client) Reset(now time.Time) {
	c.expected = token.KeyNull
	c.since = now
}

// Busy reports whether a request is outstanding, blocking this node's own
// FTP server from serving at the same time (half-duplex at the FTP layer).
func (c *Client) Busy() bool { return c.expected != token.KeyNull }

func (c *Client) start(now time.Time, serverAddr uint8, expected uint16, tx transferParams) bool {
	if c.serverBusy() || c.Busy() || serverAddr == 0 {
		return false
	}
	c.expected = expected
	c.address = serverAddr
	c.since = now
	tx.txID = xid.New()
	c.tx = tx
	return true
}

// GetFileInfo requests metadata for a named file (access code required
// unless name is the public product-info file).
func (c *Client) GetFileInfo(now time.Time, sender Sender, serverAddr uint8, name string, accessCode uint32, cb Callback) bool {
	if !c.start(now, serverAddr, token.KeyResponseFileInfo, transferParams{serverAddr: serverAddr, accessCode: accessCode, name: name, callback: cb}) {
		return false
	}
	sender.StartMessage(serverAddr)
	sender.AddU16(token.KeyRequestFileInfo)
	sender.AddString(name)
	if name != ProductInfoFile {
		sender.AddU32(accessCode)
	}
	sender.FinishMessage()
	return true
}

// GetIndexedFileInfo requests metadata for a file addressed by its flash index.
func (c *Client) GetIndexedFileInfo(now time.Time, sender Sender, serverAddr uint8, volume uint8, fileIndex uint32, accessCode uint32, cb Callback) bool {
	tx := transferParams{serverAddr: serverAddr, accessCode: accessCode, isIndexed: true, volumeIndex: volume, fileIndex: fileIndex, callback: cb}
	if !c.start(now, serverAddr, token.KeyResponseFileIndexedInfo, tx) {
		return false
	}
	sender.StartMessage(serverAddr)
	sender.AddU16(token.KeyRequestFileIndexedInfo)
	sender.AddU16(uint16(volume))
	sender.AddU32(fileIndex)
	sender.AddU32(accessCode)
	sender.FinishMessage()
	return true
}

// ReadFile requests the full contents of a named file.
func (c *Client) ReadFile(now time.Time, sender Sender, serverAddr uint8, name string, accessCode uint32, cb Callback) bool {
	tx := transferParams{serverAddr: serverAddr, accessCode: accessCode, name: name, callback: cb}
	if !c.start(now, serverAddr, token.KeyResponseFileReadStart, tx) {
		return false
	}
	sender.StartMessage(serverAddr)
	sender.AddU16(token.KeyRequestFileReadStart)
	sender.AddString(name)
	if name != ProductInfoFile {
		sender.AddU32(accessCode)
	}
	sender.FinishMessage()
	return true
}

// WriteFile uploads data to a named file on the server.
func (c *Client) WriteFile(now time.Time, sender Sender, serverAddr uint8, name string, data []byte, accessCode uint32, cb Callback) bool {
	meta := FileMetadata{Name: name, Size: uint32(len(data)), Checksum: crc.Block16(data), Timestamp: uint32(now.Unix())}
	tx := transferParams{serverAddr: serverAddr, accessCode: accessCode, name: name, writeData: data, meta: meta, isWrite: true, callback: cb}
	if !c.start(now, serverAddr, token.KeyResponseFileWriteStart, tx) {
		return false
	}
	sender.StartMessage(serverAddr)
	sender.AddU16(token.KeyRequestFileWriteStart)
	sender.AddString(name)
	sender.AddU32(meta.Size)
	sender.AddU16(meta.Checksum)
	sender.AddU32(meta.Timestamp)
	sender.AddU32(accessCode)
	sender.FinishMessage()
	return true
}

// DeleteFile removes a named file from the server.
func (c *Client) DeleteFile(now time.Time, sender Sender, serverAddr uint8, name string, accessCode uint32, cb Callback) bool {
	tx := transferParams{serverAddr: serverAddr, accessCode: accessCode, name: name, callback: cb}
	if !c.start(now, serverAddr, token.KeyResponseFileDelete, tx) {
		return false
	}
	sender.StartMessage(serverAddr)
	sender.AddU16(token.KeyRequestFileDelete)
	sender.AddString(name)
	sender.AddU32(accessCode)
	sender.FinishMessage()
	return true
}

// Clock times out an outstanding request after RequestResponseTimeout.
func (c *Client) Clock(now time.Time) {
	if c.expected == token.KeyNull {
		return
	}
	if now.Sub(c.since) >= RequestResponseTimeout {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpTransactionTimedOut})
	}
}

// ServerResponseIn handles one inbound FTP response.
func (c *Client) ServerResponseIn(now time.Time, sender Sender, serverAddr uint8, responseKey uint16, body []byte) {
	if c.expected == token.KeyNull || serverAddr != c.address {
		return
	}
	if responseKey != c.expected {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	c.since = now

	switch responseKey {
	case token.KeyResponseFileIndexedInfo, token.KeyResponseFileInfo, token.KeyResponseFileReadStart:
		c.handleInfoOrReadStart(now, sender, responseKey, body)
	case token.KeyResponseFileReadSegment:
		c.handleReadSegment(now, sender, body)
	case token.KeyResponseFileWriteStart:
		c.handleWriteStart(now, sender, body)
	case token.KeyResponseFileWriteSegment:
		c.handleWriteSegment(now, sender, body)
	case token.KeyResponseFileDelete:
		c.finish(CallbackInfo{Outcome: OutcomeOK, Meta: FileMetadata{Name: c.tx.name}})
	case token.KeyResponseFtpServerBusy:
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpServerBusy})
	case token.KeyResponseFileNotFound:
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFileNotFound})
	case token.KeyResponseFtpDiskFull:
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpDiskFull})
	default:
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
	}
}

func (c *Client) handleInfoOrReadStart(now time.Time, sender Sender, responseKey uint16, body []byte) {
	name, n := parseNulString(body)
	if n == 0 {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	rest := body[n:]
	if len(rest) < 4+2+4 {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	meta := FileMetadata{
		Name:      name,
		Size:      uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]),
		Checksum:  uint16(rest[4])<<8 | uint16(rest[5]),
		Timestamp: uint32(rest[6])<<24 | uint32(rest[7])<<16 | uint32(rest[8])<<8 | uint32(rest[9]),
	}
	rest = rest[10:]

	var guid [4]uint32
	hasGUID := len(rest) >= 16
	if hasGUID {
		for i := 0; i < 4; i++ {
			guid[i] = uint32(rest[i*4])<<24 | uint32(rest[i*4+1])<<16 | uint32(rest[i*4+2])<<8 | uint32(rest[i*4+3])
		}
		meta.GUID = guid
		c.tx.accessCode = AccessCode(guid)
	}

	c.tx.meta = meta
	c.tx.readBuf = make([]byte, 0, meta.Size)

	if responseKey != token.KeyResponseFileReadStart {
		c.finish(CallbackInfo{Outcome: OutcomeOK, Meta: meta, GUID: guid, HasGUID: hasGUID})
		return
	}

	if meta.Size == 0 {
		c.finish(CallbackInfo{Outcome: OutcomeOK, Meta: meta, Data: nil})
		return
	}
	c.requestReadSegment(now, sender, 0)
}

func (c *Client) requestReadSegment(now time.Time, sender Sender, segIndex uint16) {
	c.expected = token.KeyResponseFileReadSegment
	c.since = now
	c.tx.segIndex = segIndex
	sender.StartMessage(c.address)
	sender.AddU16(token.KeyRequestFileReadSegment)
	sender.AddU16(segIndex)
	sender.AddU32(c.tx.accessCode)
	sender.FinishMessage()
}

func (c *Client) handleReadSegment(now time.Time, sender Sender, body []byte) {
	if len(body) < 2 {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	segIndex := uint16(body[0])<<8 | uint16(body[1])
	if segIndex != c.tx.segIndex {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	c.tx.readBuf = append(c.tx.readBuf, body[2:]...)

	if uint32(len(c.tx.readBuf)) < c.tx.meta.Size {
		c.requestReadSegment(now, sender, segIndex+1)
		return
	}

	if c.tx.meta.Size > 0 && crc.Block16(c.tx.readBuf) != c.tx.meta.Checksum {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFileChecksumError})
		return
	}
	c.finish(CallbackInfo{Outcome: OutcomeOK, Meta: c.tx.meta, Data: c.tx.readBuf})
}

func (c *Client) handleWriteStart(now time.Time, sender Sender, body []byte) {
	name, n := parseNulString(body)
	if n == 0 || name != c.tx.name {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	c.requestWriteSegment(now, sender, 0)
}

func (c *Client) requestWriteSegment(now time.Time, sender Sender, segIndex uint16) {
	start := uint32(segIndex) * SegmentSize
	end := start + SegmentSize
	if end > uint32(len(c.tx.writeData)) {
		end = uint32(len(c.tx.writeData))
	}

	c.expected = token.KeyResponseFileWriteSegment
	c.since = now
	c.tx.segIndex = segIndex
	sender.StartMessage(c.address)
	sender.AddU16(token.KeyRequestFileWriteSegment)
	sender.AddU16(segIndex)
	sender.AddU32(c.tx.accessCode)
	for _, b := range c.tx.writeData[start:end] {
		sender.AddByte(b)
	}
	sender.FinishMessage()
}

func (c *Client) handleWriteSegment(now time.Time, sender Sender, body []byte) {
	if len(body) < 2 {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	segIndex := uint16(body[0])<<8 | uint16(body[1])
	if segIndex != c.tx.segIndex {
		c.finish(CallbackInfo{Outcome: OutcomeError, Err: matrixerr.ErrFtpClientError})
		return
	}
	nextStart := uint32(segIndex+1) * SegmentSize
	if nextStart >= uint32(len(c.tx.writeData)) {
		c.finish(CallbackInfo{Outcome: OutcomeOK, Meta: c.tx.meta})
		return
	}
	c.requestWriteSegment(now, sender, segIndex+1)
}

// finish ends the outstanding transaction and notifies the requester. It
// sends nothing to the peer, and nothing else in the module sends
// FileTransferDone for the client; the peer's server returns to Idle
// through its own inactivity timeout.
func (c *Client) finish(info CallbackInfo) {
	cb := c.tx.callback
	info.TxID = c.tx.txID
	c.expected = token.KeyNull
	c.tx = transferParams{}

	switch {
	case info.Outcome == OutcomeOK:
		metrics.IncFtpClientTransaction(metrics.FtpOutcomeOK)
	case info.Err == matrixerr.ErrFtpTransactionTimedOut:
		metrics.IncFtpClientTransaction(metrics.FtpOutcomeTimeout)
	default:
		metrics.IncFtpClientTransaction(metrics.FtpOutcomeError)
	}

	if cb != nil {
		cb(info)
	}
}
