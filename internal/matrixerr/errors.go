// Package matrixerr collects the sentinel errors the core protocol layer
// returns, so callers across packages can classify failures with errors.Is
// the same way the teacher's internal/server/errors.go does.
package matrixerr

import "errors"

// Transient transport errors — recovered in place, never surfaced to a user.
var (
	ErrSendBusy   = errors.New("matrix: send busy")
	ErrTruncated  = errors.New("matrix: truncated frame")
	ErrCrcMismatch = errors.New("matrix: crc mismatch")
	ErrReordered  = errors.New("matrix: frame reordered")
	ErrTimeout    = errors.New("matrix: partial message timed out")
)

// Protocol errors — surfaced to the requesting callback, never retried automatically.
var (
	ErrFtpClientError     = errors.New("matrix: ftp client error")
	ErrFtpServerBusy      = errors.New("matrix: ftp server busy")
	ErrFtpTransactionTimedOut = errors.New("matrix: ftp transaction timed out")
	ErrFileNotFound       = errors.New("matrix: file not found")
	ErrFileChecksumError  = errors.New("matrix: file checksum error")
	ErrFtpDiskFull        = errors.New("matrix: ftp disk full")
)

// State-corruption errors — the affected engine resets itself; other engines continue.
var (
	ErrBytecodeError    = errors.New("matrix: equation bytecode error")
	ErrPatternFileError = errors.New("matrix: pattern file error")
)

// Configuration errors — returned synchronously, no side effects.
var (
	ErrInvalidVolume     = errors.New("matrix: invalid volume")
	ErrInvalidFileName   = errors.New("matrix: invalid file name")
	ErrNoAppSupport      = errors.New("matrix: operation not supported")
	ErrCanAddressInvalid = errors.New("matrix: can address not yet valid")
)
