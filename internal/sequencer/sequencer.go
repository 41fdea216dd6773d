// Package sequencer implements the C11 pattern sequencer: up to
// token.NumSequencers concurrently-running players that step through
// compiled, time-stamped token patterns and keep their phase aligned with
// identical or in-range patterns running on other nodes.
package sequencer

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Loader fetches the current pattern file bytes, the way the host's flash
// file system does; Reset (and the internal file-key mismatch check) calls
// it fresh so a file replaced at runtime takes effect on the next reset.
type Loader func() ([]byte, bool)

// TimeLogic is the subset of internal/timelogic a PatternSync token also
// updates, mirroring the firmware's fan-out of sync tokens to every
// subsystem that tracks the running pattern.
type TimeLogic interface {
	TokenIn(t token.Token)
}

// Broadcaster puts a PatternSync token on the bus as a broadcast event.
type Broadcaster interface {
	SendSync(t token.Token)
}

// HostCallback delivers a pattern step's output tokens to the embedder.
type HostCallback func(t token.Token)

// OwnAddress returns this node's current CAN address, used to decide
// whether an inbound PatternSync should be honored (only sync tokens from a
// lower address restart a higher-address sequencer, never the reverse).
type OwnAddress func() uint8

type patternFrame struct {
	patternPosition         int // index of this pattern's header byte, or -1
	firstStepPosition       int
	currentPosition         int
	repeatedSectionPosition int
	patternCounter          uint8
	repeatedSectionCounter  uint8
}

type runner struct {
	outputIntensity   uint16
	patternStackIndex int // -1 == not running
	stepTime          time.Time
	stack             [stackSize]patternFrame
	syncRangeBottom   uint16
	syncRangeTop      uint16
	commonKey         uint16
	syncEnable        bool
}

// Controller is the C11 pattern sequencer bank.
type Controller struct {
	load       Loader
	timeLogic  TimeLogic
	bus        Broadcaster
	host       HostCallback
	ownAddress OwnAddress

	data []byte
	runs [token.NumSequencers]runner
}

// New builds a controller that loads its pattern file via load, mirrors the
// running pattern enumeration to timeLogic on sync, broadcasts sync tokens
// via bus, and delivers every pattern step's tokens to host.
func New(load Loader, timeLogic TimeLogic, bus Broadcaster, host HostCallback, ownAddress OwnAddress) *Controller {
	return &Controller{load: load, timeLogic: timeLogic, bus: bus, host: host, ownAddress: ownAddress}
}

// Reset (re)loads the pattern file and stops every sequencer.
func (c *Controller) Reset() {
	c.data = nil

	data, ok := c.load()
	if ok && len(data) >= headerSize && hasMagic(data) {
		c.data = data
	} else if ok {
		metrics.IncPatternFileError()
	}

	for i := range c.runs {
		c.runs[i] = runner{
			outputIntensity: 100,
			syncRangeBottom: syncRangeExact,
			syncRangeTop:    syncRangeExact,
		}
		c.runs[i].patternStackIndex = -1
	}
}

func hasMagic(data []byte) bool {
	for i := range FileMagic {
		if data[i] != FileMagic[i] {
			return false
		}
	}
	return true
}

// IsRunning reports whether sequencer index is currently playing a pattern.
func (c *Controller) IsRunning(index int) bool {
	if index < 0 || index >= token.NumSequencers {
		return false
	}
	return c.runs[index].patternStackIndex >= 0
}

// Clock advances every running sequencer whose step time has elapsed. A
// pattern-file-key mismatch (e.g. the file was replaced and not yet
// reloaded) triggers a full reset, same as the firmware re-validates the
// key on every tick.
func (c *Controller) Clock(now time.Time) {
	if len(c.data) < headerSize {
		return
	}
	if !hasMagic(c.data) {
		c.Reset()
		return
	}

	for i := range c.runs {
		r := &c.runs[i]
		if r.patternStackIndex >= 0 && !now.Before(r.stepTime) {
			if err := c.nextStep(i, now); err != nil {
				metrics.IncPatternFileError()
				c.Reset()
				return
			}
			metrics.IncPatternStep()
		}
	}
}

// TokenIn dispatches an inbound token: indexed-sequencer pattern/intensity
// commands (key region 8150..8159), per-sequencer sync range/pattern/
// intensity commands addressed at a sequencer's pseudo-address, and
// PatternSync re-synchronization.
func (c *Controller) TokenIn(t token.Token, now time.Time) {
	rawKey := token.WithoutPrefix(t.Key)

	if token.IsIndexedSequencer(t.Key) {
		index := int(rawKey - token.WithoutPrefix(token.KeyIndexedSequencerBase))
		if index < 0 || index >= token.NumSequencers {
			return
		}
		c.runs[index].outputIntensity = uint16((t.Value >> 16) & 0xff)

		pattern := uint16(t.Value & 0xffff)
		if pattern == patternStop {
			c.stop(index)
			return
		}
		if !c.filePresent() {
			return
		}
		if c.rootPatternEnum(index) != pattern {
			c.stop(index)
			if err := c.start(index, pattern, 0, true, now); err != nil {
				metrics.IncPatternFileError()
				c.Reset()
			}
		}
		return
	}

	switch rawKey {
	case token.KeyTokenSequencerSyncRange:
		index := int(t.Address) - int(token.AddrSequencerBase)
		if index < 0 || index >= token.NumSequencers {
			return
		}
		c.runs[index].syncRangeBottom = uint16(t.Value & 0xffff)
		c.runs[index].syncRangeTop = uint16(uint32(t.Value) >> 16)

	case token.KeyTokenSequencerSync:
		// A sync from another node (real CAN address) only takes effect if the
		// sender's address is lower than ours: the lower address dictates phase,
		// higher addresses yield to it. A sync from one of our own sequencers
		// (pseudo-address >= AddrSequencerBase) always falls through to the
		// per-sequencer index check below.
		if t.Address < token.AddrSequencerBase && t.Address >= c.ownAddress() {
			return
		}
		enum := uint16(t.Value)
		for index := range c.runs {
			r := &c.runs[index]
			if r.patternStackIndex < 0 {
				continue
			}
			if token.AddrSequencerBase+uint8(index) <= t.Address {
				continue
			}
			if r.syncRangeTop == syncRangeNone {
				continue
			}
			inRange := enum >= r.syncRangeBottom && enum <= r.syncRangeTop
			exactMatch := r.syncRangeBottom == syncRangeExact && enum == c.rootPatternEnum(index)
			if inRange || exactMatch {
				r.patternStackIndex = 0
				r.stack[0].currentPosition = r.stack[0].firstStepPosition
				r.stepTime = now
				if err := c.nextStep(index, now); err != nil {
					metrics.IncPatternFileError()
					c.Reset()
					return
				}
				metrics.IncPatternStep()
			}
		}

	case token.KeyIndexedTokenSequencerWithPattern:
		index := uint8(t.Value & 0xff)
		intensity := token.Token{
			Key:     token.MakeKey(token.PrefixCommand, token.KeyTokenSequencerIntensity),
			Address: token.AddrSequencerBase + index,
			Value:   (t.Value >> 8) & 0xff,
		}
		c.TokenIn(intensity, now)

		pattern := token.Token{
			Key:     token.MakeKey(token.PrefixCommand, token.KeyTokenSequencerPattern),
			Address: token.AddrSequencerBase + index,
			Value:   t.Value >> 16,
		}
		c.TokenIn(pattern, now)

	case token.KeyTokenSequencerPattern:
		index := int(t.Address) - int(token.AddrSequencerBase)
		if index < 0 || index >= token.NumSequencers {
			return
		}
		pattern := uint16(t.Value & 0xffff)
		if pattern == patternStop {
			c.stop(index)
			return
		}
		if !c.filePresent() {
			return
		}
		if c.rootPatternEnum(index) != pattern {
			c.stop(index)
			if err := c.start(index, pattern, 0, true, now); err != nil {
				metrics.IncPatternFileError()
				c.Reset()
			}
		}

	case token.KeyTokenSequencerIntensity:
		index := int(t.Address) - int(token.AddrSequencerBase)
		if index < 0 || index >= token.NumSequencers {
			return
		}
		c.runs[index].outputIntensity = uint16(t.Value)
	}
}

func (c *Controller) filePresent() bool { return len(c.data) >= headerSize && hasMagic(c.data) }

// emitSync fans a running root pattern's sync token out to the other local
// sequencers (via a self-dispatched TokenIn, so a lower-index sequencer's
// sync can restart a higher-index one on the same node, same rule as a
// remote node), the time-logic engine, and the bus.
func (c *Controller) emitSync(index int, now time.Time) {
	t := token.Token{
		Address: token.AddrSequencerBase + uint8(index),
		Key:     token.MakeKey(token.PrefixOutputStatus, token.KeyTokenSequencerSync),
		Value:   int32(c.rootPatternEnum(index)),
	}
	c.TokenIn(t, now)
	if c.timeLogic != nil {
		c.timeLogic.TokenIn(t)
	}
	if c.bus != nil {
		c.bus.SendSync(t)
	}
}
