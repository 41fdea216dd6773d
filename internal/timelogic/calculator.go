package timelogic

import "github.com/liquidlogic/ecconet-matrix/internal/matrixerr"

const (
	operandStackSize  = 20
	operatorStackSize = 20
)

// calcState holds one evaluation's operand/operator stacks. A fresh one is
// used per call so concurrent equation evaluation (were it ever needed)
// would not share state; in practice the engine evaluates one equation at a
// time per tick.
type calcState struct {
	operands  [operandStackSize]int32
	operandSP int
	operators [operatorStackSize]byte
	operatorSP int
}

func (c *calcState) pushOperand(v int32) error {
	if c.operandSP >= operandStackSize {
		return matrixerr.ErrBytecodeError
	}
	c.operands[c.operandSP] = v
	c.operandSP++
	return nil
}

func (c *calcState) popOperand() (int32, error) {
	if c.operandSP == 0 {
		return 0, matrixerr.ErrBytecodeError
	}
	c.operandSP--
	return c.operands[c.operandSP], nil
}

func (c *calcState) pushOperator(op byte) error {
	if c.operatorSP >= operatorStackSize {
		return matrixerr.ErrBytecodeError
	}
	c.operators[c.operatorSP] = op
	c.operatorSP++
	return nil
}

func (c *calcState) popOperator() (byte, error) {
	if c.operatorSP == 0 {
		return 0, matrixerr.ErrBytecodeError
	}
	c.operatorSP--
	return c.operators[c.operatorSP], nil
}

func precedenceOf(op byte) (uint8, error) {
	idx := int(op) - int(firstOperator)
	if idx < 0 || idx >= operatorPrecedenceLen {
		return 0, matrixerr.ErrBytecodeError
	}
	return operatorPrecedence[idx], nil
}

// unwind pops one operator and its operands, applies it, and pushes the result.
func (c *calcState) unwind() error {
	op, err := c.popOperator()
	if err != nil {
		return err
	}

	switch op {
	case OperatorBitwiseInvert:
		a, err := c.popOperand()
		if err != nil {
			return err
		}
		return c.pushOperand(^a)

	case OperatorLogicalNot:
		a, err := c.popOperand()
		if err != nil {
			return err
		}
		if a == 0 {
			return c.pushOperand(1)
		}
		return c.pushOperand(0)

	case OperatorConditionalSeparator:
		if _, err := c.popOperator(); err != nil { // discard the matching '?'
			return err
		}
		falseVal, err := c.popOperand()
		if err != nil {
			return err
		}
		trueVal, err := c.popOperand()
		if err != nil {
			return err
		}
		cond, err := c.popOperand()
		if err != nil {
			return err
		}
		if cond != 0 {
			return c.pushOperand(trueVal)
		}
		return c.pushOperand(falseVal)

	default:
		b, err := c.popOperand()
		if err != nil {
			return err
		}
		a, err := c.popOperand()
		if err != nil {
			return err
		}
		var r int32
		switch op {
		case OperatorMultiply:
			r = a * b
		case OperatorDivide:
			if b == 0 {
				return matrixerr.ErrBytecodeError
			}
			r = a / b
		case OperatorModulus:
			if b == 0 {
				return matrixerr.ErrBytecodeError
			}
			r = a % b
		case OperatorAdd:
			r = a + b
		case OperatorSubtract:
			r = a - b
		case OperatorShiftLeft:
			r = a << uint32(b)
		case OperatorShiftRight:
			r = a >> uint32(b)
		case OperatorIsLessThan:
			r = boolInt(a < b)
		case OperatorIsLessThanOrEqual:
			r = boolInt(a <= b)
		case OperatorIsGreaterThan:
			r = boolInt(a > b)
		case OperatorIsGreaterThanOrEqual:
			r = boolInt(a >= b)
		case OperatorIsEqual:
			r = boolInt(a == b)
		case OperatorIsNotEqual:
			r = boolInt(a != b)
		case OperatorBitwiseAnd:
			r = a & b
		case OperatorBitwiseXor:
			r = a ^ b
		case OperatorBitwiseOr:
			r = a | b
		case OperatorLogicalAnd:
			r = boolInt(a != 0 && b != 0)
		case OperatorLogicalOr:
			r = boolInt(a != 0 || b != 0)
		default:
			return matrixerr.ErrBytecodeError
		}
		return c.pushOperand(r)
	}
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// perform evaluates the infix expression starting at an equation-start code
// in bytecode[pos], through the terminating Equals/Lambda code. It returns
// the computed value, the index of the expression's first TokenKey code (or
// -1 if the expression has none), and the index of the terminating code.
func perform(table *Table, bytecode []byte, pos int) (result int32, firstToken, next int, err error) {
	if !isEquationStart(bytecode[pos]) {
		return 0, -1, pos, matrixerr.ErrBytecodeError
	}

	var c calcState
	firstToken = -1
	i := pos + 1

	for i < len(bytecode) {
		code := bytecode[i]
		if code == Equals || code == Lambda {
			break
		}

		switch code {
		case OperatorOpenParentheses:
			if err = c.pushOperator(code); err != nil {
				return 0, -1, i, err
			}
			i++

		case OperatorCloseParentheses:
			for c.operatorSP > 0 {
				top := c.operators[c.operatorSP-1]
				if top == OperatorOpenParentheses {
					c.operatorSP--
					break
				}
				if err = c.unwind(); err != nil {
					return 0, -1, i, err
				}
			}
			i++

		case ConstantValueCode:
			if i+4 >= len(bytecode) {
				return 0, -1, i, matrixerr.ErrBytecodeError
			}
			v := int32(bytecode[i+1])<<24 | int32(bytecode[i+2])<<16 | int32(bytecode[i+3])<<8 | int32(bytecode[i+4])
			if err = c.pushOperand(v); err != nil {
				return 0, -1, i, err
			}
			i += 5

		case TokenKeyCode:
			if firstToken < 0 {
				firstToken = i
			}
			entry, nextI := table.tokenFromBytecode(bytecode, i)
			if entry == nil {
				return 0, -1, i, matrixerr.ErrBytecodeError
			}
			if err = c.pushOperand(entry.Token.Value); err != nil {
				return 0, -1, i, err
			}
			i = nextI

		default:
			prec, perr := precedenceOf(code)
			if perr != nil {
				return 0, -1, i, perr
			}
			if c.operatorSP > 0 {
				prevPrec, perr := precedenceOf(c.operators[c.operatorSP-1])
				if perr != nil {
					return 0, -1, i, perr
				}
				if prec > prevPrec {
					if err = c.unwind(); err != nil {
						return 0, -1, i, err
					}
				}
			}
			if err = c.pushOperator(code); err != nil {
				return 0, -1, i, err
			}
			i++
		}
	}

	for c.operatorSP > 0 && c.operandSP > 0 {
		if err = c.unwind(); err != nil {
			return 0, -1, i, err
		}
	}

	result, err = c.popOperand()
	if err != nil {
		return 0, -1, i, err
	}
	return result, firstToken, i, nil
}
