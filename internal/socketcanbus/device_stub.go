//go:build !linux

package socketcanbus

import "errors"

// ErrTxOverflow is provided for non-Linux builds so callers referencing it
// (and code that only needs to compile, not run, off Linux) still build.
var ErrTxOverflow = errors.New("socketcanbus tx overflow (stub)")
