package sequencer

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/codec"
	"github.com/liquidlogic/ecconet-matrix/internal/matrixerr"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// readStepPayload reads one step's token payload starting at pos: a single
// common-key token of fixed width if commonKey is set, else an explicit
// 1-byte section length followed by that many codec-compressed bytes.
// sink, if non-nil, receives each decoded token stamped with address.
// Returns the index following the payload.
func (c *Controller) readStepPayload(pos int, commonKey uint16, address uint8, sink func(token.Token)) (int, error) {
	if commonKey != token.KeyNull {
		size := int(token.ValueSize(commonKey))
		if pos+size > len(c.data) {
			return pos, matrixerr.ErrPatternFileError
		}
		var v int32
		for i := 0; i < size; i++ {
			v = v<<8 | int32(c.data[pos+i])
		}
		pos += size
		if sink != nil {
			sink(token.Token{Address: address, Key: commonKey, Value: v})
		}
		return pos, nil
	}

	if pos >= len(c.data) {
		return pos, matrixerr.ErrPatternFileError
	}
	length := int(c.data[pos])
	pos++
	if pos+length > len(c.data) {
		return pos, matrixerr.ErrPatternFileError
	}
	section := c.data[pos : pos+length]
	pos += length
	consumed, err := codec.Decompress(section, address, func(t token.Token) {
		if sink != nil {
			sink(t)
		}
	})
	if err != nil || consumed != length {
		return pos, matrixerr.ErrPatternFileError
	}
	return pos, nil
}

// getPattern scans the pattern table for patternEnum, returning its header
// position and step count, or ok=false if not found or the table is corrupt.
func (c *Controller) getPattern(patternEnum uint16) (matchPos int, stepCount uint16, ok bool) {
	if !c.filePresent() {
		return 0, 0, false
	}

	pos := headerSize
	last := len(c.data)
	match := -1
	var commonKey uint16
	var steps uint16

	for pos < last {
		switch opcodeOf(c.data[pos]) {
		case opPatternWithRepeats:
			if match >= 0 {
				return match, steps, true
			}
			if pos+2 >= last {
				return 0, 0, false
			}
			mode, patEnum := decodeHeaderEnum(c.data[pos+1], c.data[pos+2])
			steps = 0
			if patEnum == patternStop {
				return 0, 0, false
			}
			if patEnum == patternEnum {
				match = pos
			}
			commonKey = commonKeyForMode(mode)
			pos += 3

		case opPatternStepWithAllOff:
			pos++
			next, err := c.readStepPayload(pos, commonKey, 0, nil)
			if err != nil {
				return 0, 0, false
			}
			pos = next

		case opPatternSectionStartWithRepeats:
			pos++

		case opPatternSectionEnd:
			pos++

		case opPatternStepWithPeriod:
			steps++
			if pos+3 > last {
				return 0, 0, false
			}
			pos += 3
			next, err := c.readStepPayload(pos, commonKey, 0, nil)
			if err != nil {
				return 0, 0, false
			}
			pos = next

		case opPatternStepWithRepeatsOfNested:
			if pos+3 > last {
				return 0, 0, false
			}
			pos += 3

		default:
			return 0, 0, false
		}
	}

	// the authoring toolchain always terminates the table with a
	// patternStop header; running off the end means a corrupt file.
	return 0, 0, false
}

func commonKeyForMode(mode patternMode) uint16 {
	switch mode {
	case modeStepDictionaryKey:
		return token.KeyStepMethodDictionaryKey
	case modeLedMatrixMessage:
		return token.KeyLedMatrixMessage
	default:
		return token.KeyNull
	}
}

// getAllOffStep returns the position of a pattern's all-off step tokens, or
// ok=false if it has none. When a pattern has no explicit all-off step, its
// first real step's tokens are resent on pop instead (flagged default-state
// by the caller), the same fallback the firmware uses.
func (c *Controller) getAllOffStep(patternPos int) (int, bool) {
	if patternPos < 0 {
		return 0, false
	}
	pos := patternPos + 3
	if pos >= len(c.data) {
		return 0, false
	}
	switch opcodeOf(c.data[pos]) {
	case opPatternStepWithAllOff:
		return pos + 1, true
	case opPatternStepWithPeriod:
		return pos + 3, true
	}
	return 0, false
}

// rootPatternEnum returns the enumeration of the root (stack index 0)
// pattern a sequencer is running, or patternStop if it isn't running.
func (c *Controller) rootPatternEnum(index int) uint16 {
	r := &c.runs[index]
	if r.patternStackIndex < 0 {
		return patternStop
	}
	pos := r.stack[0].patternPosition
	if pos+2 >= len(c.data) {
		return patternStop
	}
	_, enum := decodeHeaderEnum(c.data[pos+1], c.data[pos+2])
	return enum
}

// start pushes patternEnum onto sequencer index's pattern stack and runs its
// first step. isRoot marks a sequencer-level (not nested) start: its repeat
// count comes from the pattern header, and sync is (re)enabled if the
// pattern has more than one step and a sync range is configured.
func (c *Controller) start(index int, patternEnum uint16, numRepeats uint8, isRoot bool, now time.Time) error {
	r := &c.runs[index]

	pos, stepCount, ok := c.getPattern(patternEnum)
	if !ok {
		return matrixerr.ErrPatternFileError
	}
	if r.patternStackIndex >= stackSize-1 {
		return matrixerr.ErrPatternFileError
	}
	r.patternStackIndex++

	if pos+2 >= len(c.data) {
		return matrixerr.ErrPatternFileError
	}
	mode, _ := decodeHeaderEnum(c.data[pos+1], c.data[pos+2])

	if isRoot {
		numRepeats = c.data[pos] & repeatCountMask
		r.syncEnable = stepCount > 1 && r.syncRangeTop != syncRangeNone
	}
	r.commonKey = commonKeyForMode(mode)

	f := &r.stack[r.patternStackIndex]
	f.patternPosition = pos
	cur := pos + 3

	if cur < len(c.data) && opcodeOf(c.data[cur]) == opPatternStepWithAllOff {
		cur++
		next, err := c.readStepPayload(cur, r.commonKey, 0, nil)
		if err != nil {
			return err
		}
		cur = next
	}

	f.firstStepPosition = cur
	f.patternCounter = numRepeats
	f.repeatedSectionPosition = -1
	f.repeatedSectionCounter = 0
	f.currentPosition = cur
	r.stepTime = now

	return c.nextStep(index, now)
}

// stop pops every pattern off sequencer index's stack, sending each one's
// all-off (or first-step fallback) tokens on the way down.
func (c *Controller) stop(index int) {
	if index < 0 || index >= token.NumSequencers {
		return
	}
	for c.runs[index].patternStackIndex >= 0 {
		if err := c.endCurrentPattern(index); err != nil {
			c.runs[index].patternStackIndex = -1
			return
		}
	}
}

// endCurrentPattern sends the current (possibly nested) pattern's all-off
// tokens, if it has any, and pops it off the stack.
func (c *Controller) endCurrentPattern(index int) error {
	r := &c.runs[index]
	f := &r.stack[r.patternStackIndex]
	addr := token.AddrSequencerBase + uint8(index)

	if pos, ok := c.getAllOffStep(f.patternPosition); ok {
		if r.commonKey != token.KeyNull {
			if _, err := c.readStepPayload(pos, r.commonKey, addr, func(t token.Token) {
				c.sendCommonKeyToken(index, t)
			}); err != nil {
				return err
			}
		} else {
			if _, err := c.readStepPayload(pos, token.KeyNull, addr, func(t token.Token) {
				c.sendDefaultStateToken(index, t)
			}); err != nil {
				return err
			}
		}
	}

	r.patternStackIndex--
	return nil
}

// nextStep advances sequencer index by one pattern step: rewinding or
// popping a finished pattern, emitting a PatternSync at the top of a
// syncing root pattern, handling repeated-section brackets, and running
// whichever step type follows (a timed token step or a nested pattern push).
func (c *Controller) nextStep(index int, now time.Time) error {
	r := &c.runs[index]
	if r.patternStackIndex < 0 {
		return nil
	}
	f := &r.stack[r.patternStackIndex]

	if f.currentPosition >= len(c.data) || opcodeOf(c.data[f.currentPosition]) == opPatternWithRepeats {
		rewind := false
		if f.patternCounter == 0 {
			rewind = true
		} else {
			f.patternCounter--
			if f.patternCounter != 0 {
				rewind = true
			}
		}
		if rewind {
			f.currentPosition = f.firstStepPosition
		} else {
			if err := c.endCurrentPattern(index); err != nil {
				return err
			}
			if r.patternStackIndex < 0 {
				return nil
			}
			f = &r.stack[r.patternStackIndex]
		}
	}

	if f.currentPosition == f.firstStepPosition && r.patternStackIndex == 0 && r.syncEnable {
		c.emitSync(index, now)
	}

	if f.currentPosition >= len(c.data) {
		return matrixerr.ErrPatternFileError
	}

	switch opcodeOf(c.data[f.currentPosition]) {
	case opPatternSectionStartWithRepeats:
		f.repeatedSectionCounter = c.data[f.currentPosition] & repeatCountMask
		f.currentPosition++
		f.repeatedSectionPosition = f.currentPosition

	case opPatternSectionEnd:
		rewind := false
		if f.repeatedSectionCounter != 0 {
			f.repeatedSectionCounter--
			if f.repeatedSectionCounter != 0 {
				rewind = true
			}
		}
		if rewind {
			f.currentPosition = f.repeatedSectionPosition
		} else {
			f.currentPosition++
		}
	}

	if f.currentPosition >= len(c.data) {
		return matrixerr.ErrPatternFileError
	}

	addr := token.AddrSequencerBase + uint8(index)
	switch opcodeOf(c.data[f.currentPosition]) {
	case opPatternStepWithPeriod:
		if f.currentPosition+3 > len(c.data) {
			return matrixerr.ErrPatternFileError
		}
		periodMs := int(c.data[f.currentPosition+1])<<8 | int(c.data[f.currentPosition+2])
		r.stepTime = r.stepTime.Add(time.Duration(periodMs) * time.Millisecond)
		f.currentPosition += 3

		if r.commonKey != token.KeyNull {
			next, err := c.readStepPayload(f.currentPosition, r.commonKey, addr, func(t token.Token) {
				c.sendCommonKeyToken(index, t)
			})
			if err != nil {
				return err
			}
			f.currentPosition = next
		} else {
			next, err := c.readStepPayload(f.currentPosition, token.KeyNull, addr, func(t token.Token) {
				c.sendToken(index, t)
			})
			if err != nil {
				return err
			}
			f.currentPosition = next
		}

	case opPatternStepWithRepeatsOfNested:
		if f.currentPosition+3 > len(c.data) {
			return matrixerr.ErrPatternFileError
		}
		repeats := c.data[f.currentPosition] & repeatCountMask
		nestedEnum := uint16(c.data[f.currentPosition+1])<<8 | uint16(c.data[f.currentPosition+2])
		f.currentPosition += 3
		if err := c.start(index, nestedEnum, repeats, false, now); err != nil {
			return err
		}

	default:
		// Lands here when a just-finished nested pattern's pop leaves the
		// parent frame sitting on its own next-pattern-header boundary: do
		// nothing this tick, the parent's own end-of-pattern rewind/pop runs
		// on the following tick. Not file corruption.
	}

	return nil
}

func (c *Controller) sendToken(index int, t token.Token) {
	t.Value = t.Value * int32(c.runs[index].outputIntensity) / 100
	t.Flags = 0
	if c.host != nil {
		c.host(t)
	}
}

func (c *Controller) sendDefaultStateToken(index int, t token.Token) {
	t.Value = t.Value * int32(c.runs[index].outputIntensity) / 100
	t.Flags = token.FlagDefaultState
	if c.host != nil {
		c.host(t)
	}
}

func (c *Controller) sendCommonKeyToken(index int, t token.Token) {
	intensity := (int32(c.runs[index].outputIntensity) << 16) & 0x007F0000
	t.Value = (t.Value &^ 0x007F0000) | intensity
	t.Flags = 0
	if c.host != nil {
		c.host(t)
	}
}
