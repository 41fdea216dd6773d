package timelogic

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/matrixerr"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// processOutputOptions applies the post-calculation output-option byte codes
// following an equation's result token reference (the Equals/Lambda code at
// bytecode[pos]) through EquationEnd, updating the output entry's value and
// flags and emitting a token through emit wherever an option's send
// condition is met. now stamps edge/decay timers the same way the
// calculation's wall-clock does.
func processOutputOptions(table *Table, bytecode []byte, pos int, calculated int32, firstToken int, now time.Time, emit func(token.Token)) (next int, err error) {
	code := bytecode[pos]
	if code != Equals && code != Lambda {
		return pos, matrixerr.ErrBytecodeError
	}

	entry, i := table.tokenFromBytecode(bytecode, pos+1)
	if entry == nil {
		return pos, matrixerr.ErrBytecodeError
	}
	if i >= len(bytecode) || bytecode[i] != EquationEnd {
		return pos, matrixerr.ErrBytecodeError
	}
	i++

	outToken := token.Token{Key: entry.Token.Key, Address: entry.Token.Address}

	prevBit := entry.Token.Flags&token.FlagInputBitstate != 0
	currentBit := calculated != 0
	risingEdge := !prevBit && currentBit
	fallingEdge := prevBit && !currentBit

	if currentBit != prevBit {
		entry.Timestamp = now
	}

	for i < len(bytecode) && !isEquationStart(bytecode[i]) {
		switch bytecode[i] {
		case OutputLogicActivityMonitor:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			maxMs := readU32(bytecode, i+1)
			if maxMs > maxTimerMs {
				maxMs = maxTimerMs
			}
			i += 5
			if firstToken >= 0 {
				clearEntry, _ := table.tokenFromBytecode(bytecode, firstToken)
				if clearEntry != nil {
					if clearEntry.Token.Flags&token.FlagTokenReceived != 0 {
						clearEntry.Token.Flags &^= token.FlagTokenReceived
						entry.Timestamp = now
						calculated = 1
					} else if uint32(now.Sub(entry.Timestamp).Milliseconds()) >= maxMs {
						calculated = 0
					} else {
						calculated = entry.Token.Value
					}
				}
			}

		case OutputLogicRisingEdgeUpCounter:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			maxCount := readU32(bytecode, i+1)
			i += 5
			if risingEdge && entry.Token.Flags&token.FlagSkipToggle == 0 {
				calculated = entry.Token.Value + 1
				if uint32(calculated) >= maxCount {
					calculated = 0
				}
			} else {
				calculated = entry.Token.Value
			}
			if currentBit {
				entry.Token.Flags &^= token.FlagSkipToggle
			}

		case OutputLogicFallingEdgeUpCounter:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			maxCount := readU32(bytecode, i+1)
			i += 5
			if fallingEdge && entry.Token.Flags&token.FlagSkipToggle == 0 {
				calculated = entry.Token.Value + 1
				if uint32(calculated) >= maxCount {
					calculated = 0
				}
			} else {
				calculated = entry.Token.Value
			}
			if !currentBit {
				entry.Token.Flags &^= token.FlagSkipToggle
			}

		case OutputLogicRisingEdgeToggle:
			i++
			if risingEdge && entry.Token.Flags&token.FlagSkipToggle == 0 {
				calculated = boolInt(entry.Token.Value == 0)
			} else {
				calculated = entry.Token.Value
			}
			if currentBit {
				entry.Token.Flags &^= token.FlagSkipToggle
			}

		case OutputLogicFallingEdgeToggle:
			i++
			if fallingEdge && entry.Token.Flags&token.FlagSkipToggle == 0 {
				calculated = boolInt(entry.Token.Value == 0)
			} else {
				calculated = entry.Token.Value
			}
			if !currentBit {
				entry.Token.Flags &^= token.FlagSkipToggle
			}

		case OutputLogicRisingEdgeSkipToggle:
			clearEntry, next := table.tokenFromBytecode(bytecode, i+1)
			i = next
			if risingEdge && clearEntry != nil {
				clearEntry.Token.Flags |= token.FlagSkipToggle
			}

		case OutputLogicFallingEdgeSkipToggle:
			clearEntry, next := table.tokenFromBytecode(bytecode, i+1)
			i = next
			if fallingEdge && clearEntry != nil {
				clearEntry.Token.Flags |= token.FlagSkipToggle
			}

		case OutputLogicRisingEdgeVariableClear:
			clearEntry, next := table.tokenFromBytecode(bytecode, i+1)
			i = next
			if risingEdge && clearEntry != nil {
				clearEntry.Token.Value = 0
			}

		case OutputLogicFallingEdgeVariableClear:
			clearEntry, next := table.tokenFromBytecode(bytecode, i+1)
			i = next
			if fallingEdge && clearEntry != nil {
				clearEntry.Token.Value = 0
			}

		case OutputLogicRisingEdgeDelay:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			maxMs := readU32(bytecode, i+1)
			if maxMs > maxTimerMs {
				maxMs = maxTimerMs
			}
			i += 5
			if currentBit {
				if uint32(now.Sub(entry.Timestamp).Milliseconds()) >= maxMs {
					calculated = 1
				} else {
					calculated = entry.Token.Value
				}
			}

		case OutputLogicFallingEdgeDelay:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			maxMs := readU32(bytecode, i+1)
			if maxMs > maxTimerMs {
				maxMs = maxTimerMs
			}
			i += 5
			if !currentBit {
				if uint32(now.Sub(entry.Timestamp).Milliseconds()) >= maxMs {
					calculated = 0
				} else {
					calculated = entry.Token.Value
				}
			}

		case OutputSendTokenOnChange:
			i++
			if calculated != entry.Token.Value {
				outToken.Value = calculated
				emit(outToken)
			}

		case OutputSendTokenOnOutputRisingEdge:
			i++
			if calculated-entry.Token.Value >= 1 {
				outToken.Value = calculated
				emit(outToken)
			}

		case OutputSendTokenOnOutputFallingEdge:
			i++
			if entry.Token.Value-calculated >= 1 {
				outToken.Value = calculated
				emit(outToken)
			}

		case OutputSendTokenOnOutputRisingByValue:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			threshold := int32(readU32(bytecode, i+1))
			i += 5
			if calculated-entry.Token.Value >= threshold {
				outToken.Value = calculated
				emit(outToken)
			} else {
				calculated = entry.Token.Value
			}

		case OutputSendTokenOnOutputFallingByValue:
			if i+4 >= len(bytecode) {
				return i, matrixerr.ErrBytecodeError
			}
			threshold := int32(readU32(bytecode, i+1))
			i += 5
			if entry.Token.Value-calculated >= threshold {
				outToken.Value = calculated
				emit(outToken)
			} else {
				calculated = entry.Token.Value
			}

		default:
			return i, matrixerr.ErrBytecodeError
		}
	}

	if currentBit {
		entry.Token.Flags |= token.FlagInputBitstate
	} else {
		entry.Token.Flags &^= token.FlagInputBitstate
	}
	entry.Token.Value = calculated
	return i, nil
}

func readU32(b []byte, i int) uint32 {
	return uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3])
}
