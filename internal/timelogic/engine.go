// Package timelogic evaluates human-authored boolean/arithmetic equations,
// stored as bytecode, against a live token table, emitting output tokens on
// state changes and timers.
package timelogic

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Loader fetches the current equation file bytes, the way the host's flash
// file system does; Reset (and an internal error reset) calls it fresh so a
// file replaced at runtime takes effect on the next reset.
type Loader func() ([]byte, bool)

// Sequencer is the subset of internal/sequencer the engine drives: every
// emitted output token is mirrored to it, address-routed the same way the
// CAN bus address field routes it.
type Sequencer interface {
	TokenIn(t token.Token)
}

// Broadcaster is the subset of internal/transmitter the engine uses to put
// public output tokens on the bus as events.
type Broadcaster interface {
	StartMessageWithKey(destinationAddress uint8, key uint16)
	AddToken(t token.Token)
	FinishMessage()
}

// HostCallback mirrors every emitted output token to the embedder at the
// equation-processor pseudo-address, and delivers lambda-remapped local
// values for inbound tokens with a mapped key.
type HostCallback func(t token.Token)

// Engine is the C10 time-logic processor.
type Engine struct {
	load Loader
	seq  Sequencer
	bus  Broadcaster
	host HostCallback

	bytecode []byte
	table    Table

	bodyStart int // index of the first equation, past magic/constants
	equation  int // round-robin cursor into normal equations
}

// New builds an engine that loads its equation file via load and mirrors
// output tokens to seq (sequencer), bus (CAN broadcast), and host (token
// callback at the equation-processor pseudo-address).
func New(load Loader, seq Sequencer, bus Broadcaster, host HostCallback) *Engine {
	return &Engine{load: load, seq: seq, bus: bus, host: host}
}

// Reset (re)loads the equation file and rebuilds the token table. It is
// also what an internal calculation/output error calls to recover.
func (e *Engine) Reset() {
	e.bytecode = nil
	e.bodyStart = 0
	e.equation = 0
	e.table.entries = nil
	e.table.hasBroadcastTokens = false

	data, ok := e.load()
	if !ok || len(data) < fileMagicSize {
		return
	}
	for i := range FileMagic {
		if data[i] != FileMagic[i] {
			return
		}
	}

	body := fileMagicSize
	if body+1 < len(data) && data[body] == constantsTagByte0 && data[body+1] == constantsTagByte1 {
		if body+3 >= len(data) {
			return
		}
		skip := 4 + int(data[body+2]) + int(data[body+3])<<8
		body += skip
	}
	if body > len(data) {
		return
	}

	e.bytecode = data
	e.bodyStart = body
	e.equation = body
	e.table.populate(data[body:])
}

// HasBroadcastTokens reports whether the loaded file has any equation output
// whose key is a public input/output status. Diagnostic only: the firmware's
// status beacon gate checks this, but the check is permanently disabled in
// the shipped source, so the Coordinator's beacon fires unconditionally and
// does not consult this method.
func (e *Engine) HasBroadcastTokens() bool { return e.table.hasBroadcastTokens }

// Table exposes the token table read-only, for the Coordinator's status
// beacon compression step.
func (e *Engine) Table() *Table { return &e.table }

// Clock evaluates every priority equation, then resumes the round-robin
// cursor through the file's normal equations (processing a
// SuccessiveEquationStart-chained group in the same tick). Any calculation
// or output error resets the whole engine.
func (e *Engine) Clock(now time.Time) {
	if e.bytecode == nil {
		return
	}

	metrics.IncEquationEvaluation()

	last := len(e.bytecode)
	cur := e.bodyStart
	for cur < last && e.bytecode[cur] == PriorityEquationStart {
		next, err := e.evalOne(cur, now)
		if err != nil {
			metrics.IncBytecodeError()
			e.Reset()
			return
		}
		cur = next
	}

	if cur >= last {
		return
	}

	if e.equation < cur || e.equation >= last {
		e.equation = cur
	}

	for e.equation < last {
		next, err := e.evalOne(e.equation, now)
		if err != nil {
			metrics.IncBytecodeError()
			e.Reset()
			return
		}
		e.equation = next
		if e.equation >= last || e.bytecode[e.equation] != SuccessiveEquationStart {
			break
		}
	}
}

// evalOne runs one equation (calculation + output options) starting at pos
// and returns the index of the following equation.
func (e *Engine) evalOne(pos int, now time.Time) (int, error) {
	result, firstToken, next, err := perform(&e.table, e.bytecode, pos)
	if err != nil {
		return pos, err
	}
	next, err = processOutputOptions(&e.table, e.bytecode, next, result, firstToken, now, e.emit)
	if err != nil {
		return pos, err
	}
	return next, nil
}

// emit delivers one output token to the sequencer, the host callback, and
// (for non-local keys) the bus as a broadcast event.
func (e *Engine) emit(t token.Token) {
	if e.seq != nil {
		e.seq.TokenIn(t)
	}
	if !token.IsLocal(t.Key) {
		busToken := t
		busToken.Address = token.AddrBroadcast
		if e.bus != nil {
			e.bus.StartMessageWithKey(token.AddrBroadcast, busToken.Key)
			e.bus.AddToken(busToken)
			e.bus.FinishMessage()
		}
	}
	if e.host != nil {
		hostToken := t
		hostToken.Address = token.AddrEquationProcessor
		e.host(hostToken)
	}
}

// TokenIn applies an inbound token to the table: every entry matching the
// key at the token's actual address AND every entry matching the key with
// address forced to zero ("don't care") are updated, mirroring the
// firmware's two-pass lookup. An entry updates iff it is not an equation
// output, or the inbound token is an input-status; this keeps external
// writes from clobbering computed outputs. A lambda-mapped entry also
// mirrors the inbound value to the host under its mapped local key.
func (e *Engine) TokenIn(t token.Token) {
	for _, addr := range [2]uint8{0, t.Address} {
		entry := e.table.find(addr, t.Key)
		if entry == nil {
			continue
		}

		if entry.MappedLocalKey != token.KeyNull && e.host != nil {
			mapped := t
			mapped.Key = entry.MappedLocalKey
			e.host(mapped)
		}

		if entry.Token.Flags&token.FlagIsEquationOutput == 0 || token.IsInputStatus(t.Key) {
			entry.Token.Value = t.Value
			entry.Token.Flags |= token.FlagTokenReceived
		}
	}
}

// CurrentFile exposes the validated bytecode, or nil if none is loaded
// (e.g. missing file, magic mismatch). Used by the Coordinator to mirror
// the equation file's constants block to diagnostics tooling.
func (e *Engine) CurrentFile() []byte {
	if e.bytecode == nil {
		return nil
	}
	return e.bytecode
}
