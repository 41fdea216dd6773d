package timelogic

// File layout: a 4-byte magic key, an optional constants block (tagged
// 0xca 0xfe, followed by a 2-byte little-endian length to skip), then a
// sequence of equations terminated by EquationEnd.
const (
	fileMagicSize     = 4
	constantsTagByte0 = 0xca
	constantsTagByte1 = 0xfe
)

// FileMagic is the 4-byte key every equation file (equation.btc / eq_userN.btc)
// must open with, big-endian 0x1C3D5C47.
var FileMagic = [fileMagicSize]byte{0x1C, 0x3D, 0x5C, 0x47}

// Equation start/structure codes.
const (
	EquationStart           byte = 0x01
	PriorityEquationStart   byte = 0x02
	SuccessiveEquationStart byte = 0x03
	EquationEnd             byte = 0x04
	Equals                  byte = 0x05
	Lambda                  byte = 0x06
	TokenKeyCode            byte = 0x07
	TokenAddressCode        byte = 0x08
	ConstantValueCode       byte = 0x09
)

// Operator codes occupy a contiguous range so precedence lookup is a
// single table index, mirroring the firmware's bitcode layout.
const (
	OperatorLogicalNot byte = 0x20 + iota
	OperatorBitwiseInvert
	OperatorMultiply
	OperatorDivide
	OperatorModulus
	OperatorAdd
	OperatorSubtract
	OperatorShiftLeft
	OperatorShiftRight
	OperatorIsLessThan
	OperatorIsLessThanOrEqual
	OperatorIsGreaterThan
	OperatorIsGreaterThanOrEqual
	OperatorIsEqual
	OperatorIsNotEqual
	OperatorBitwiseAnd
	OperatorBitwiseXor
	OperatorBitwiseOr
	OperatorLogicalAnd
	OperatorLogicalOr
	OperatorConditionalQuestion
	OperatorConditionalSeparator
	OperatorOpenParentheses
	OperatorCloseParentheses
)

const (
	firstOperator         = OperatorLogicalNot
	operatorPrecedenceLen = 24
)

// operatorPrecedence is indexed by (code - firstOperator); lower value binds tighter.
var operatorPrecedence = [operatorPrecedenceLen]uint8{
	0, 0, // !  ~
	1, 1, 1, // *  /  %
	2, 2, // +  -
	3, 3, // << >>
	4, 4, 4, 4, // <  <=  >  >=
	5, 5, // == !=
	6, // &
	7, // ^
	8, // |
	9,  // &&
	10, // ||
	11, 11, // ?  :
	12, 12, // (  )
}

// Output-option codes, applied in file order after a result is calculated.
const (
	OutputLogicActivityMonitor            byte = 0x40
	OutputLogicRisingEdgeUpCounter        byte = 0x41
	OutputLogicFallingEdgeUpCounter       byte = 0x42
	OutputLogicRisingEdgeToggle           byte = 0x43
	OutputLogicFallingEdgeToggle          byte = 0x44
	OutputLogicRisingEdgeSkipToggle       byte = 0x45
	OutputLogicFallingEdgeSkipToggle      byte = 0x46
	OutputLogicRisingEdgeVariableClear    byte = 0x47
	OutputLogicFallingEdgeVariableClear   byte = 0x48
	OutputLogicRisingEdgeDelay            byte = 0x49
	OutputLogicFallingEdgeDelay           byte = 0x4A
	OutputSendTokenOnChange               byte = 0x4B
	OutputSendTokenOnOutputRisingEdge     byte = 0x4C
	OutputSendTokenOnOutputFallingEdge    byte = 0x4D
	OutputSendTokenOnOutputRisingByValue  byte = 0x4E
	OutputSendTokenOnOutputFallingByValue byte = 0x4F
)

// maxTimerMs caps activity-monitor decay and edge-delay timers at one minute.
const maxTimerMs = 60000

func isEquationStart(b byte) bool {
	return b == EquationStart || b == PriorityEquationStart || b == SuccessiveEquationStart
}
