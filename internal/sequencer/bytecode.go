package sequencer

// File layout: a 4-byte magic key, a 2-byte pattern count, then patterns
// back to back, terminated by a pattern header whose enumeration is
// patternStop (the authoring toolchain always appends one).
const (
	fileMagicSize = 4
	headerSize    = fileMagicSize + 2
)

// FileMagic is the 4-byte key every pattern file (patterns.tbl) opens with,
// big-endian 0x4865433B.
var FileMagic = [fileMagicSize]byte{0x48, 0x65, 0x43, 0x3B}

// Pattern structural opcodes. The low nibble carries a repeat count for the
// two codes that need one; the rest is a verbatim 1-byte tag.
const (
	opPatternWithRepeats             byte = 0x10
	opPatternStepWithAllOff          byte = 0x20
	opPatternSectionStartWithRepeats byte = 0x30
	opPatternSectionEnd              byte = 0x40
	opPatternStepWithPeriod          byte = 0x50
	opPatternStepWithRepeatsOfNested byte = 0x60
)

const (
	opcodeMask      = 0xF0
	repeatCountMask = 0x0F
)

func opcodeOf(b byte) byte { return b & opcodeMask }

// patternStop is the reserved enumeration meaning "stop" and the table's
// end-of-table sentinel.
const patternStop uint16 = 0

// patternMode is the pattern header's 3-bit step-token mode tag, packed the
// same way a token key packs its prefix: top 3 bits of a 16-bit field, low
// 13 bits carry the payload (here, the pattern enumeration).
type patternMode uint8

const (
	modeNone              patternMode = 0
	modeStepDictionaryKey patternMode = 1
	modeLedMatrixMessage  patternMode = 2
)

const (
	modeShift = 13
	enumMask  = 0x1FFF
)

func decodeHeaderEnum(hi, lo byte) (patternMode, uint16) {
	v := uint16(hi)<<8 | uint16(lo)
	return patternMode((v >> modeShift) & 0x07), v & enumMask
}

func encodeHeaderEnum(mode patternMode, enum uint16) (hi, lo byte) {
	v := uint16(mode)<<modeShift | (enum & enumMask)
	return byte(v >> 8), byte(v)
}

// Sync range bounds. None disables cross-node sync entirely; Exact syncs
// only to a network PatternSync whose enumeration matches the running root
// pattern; anything else is an inclusive [bottom, top] range.
const (
	syncRangeNone  uint16 = 0
	syncRangeExact uint16 = 8192
)

// stackSize bounds pattern nesting depth (a running pattern plus up to two
// levels of nested pattern pushed by PatternStepWithRepeatsOfNestedPattern).
const stackSize = 3
