package codegen

import (
	"math"

	"github.com/vecrt/vecrt/core"
)

// Opcode enumerates the instruction opcodes vecrt understands. The
// numeric ranges leave room for extension opcodes registered at runtime
// (see engine.RegisterExtension), which start at ExtOpcodeBase.
type Opcode = uint16

const (
	OpNoop Opcode = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpSqrPlusX
	OpReLU
	OpSigmoid
	OpTanh
	OpSum
	OpMax
	OpMin
	OpProduct
	OpSoftmax
	OpMatMul

	// ExtOpcodeBase is the first opcode value available to
	// engine.RegisterExtension; opcodes below it are reserved for the
	// built-in instruction set above.
	ExtOpcodeBase Opcode = 0x1000
)

// OpMeta describes an opcode's arity and reduction identity element, the
// metadata the loop-block transformation passes and the code generator
// both need without hand-coding a per-opcode switch in every consumer.
type OpMeta struct {
	Name       string
	Arity      int // number of read operands, excluding the write target
	IsReducing bool
	// Neutral is the identity element for a reducing opcode (0 for sum,
	// 1 for product, -Inf for max, +Inf for min, and the dtype's smallest
	// or largest value for an integer max or min): the value an
	// accumulator initializes to so an empty reduction is well-defined
	// and a partial reduction can be split and re-combined across
	// threads without special-casing the first iteration.
	Neutral func(dtype core.DType) float64
}

var opTable = map[Opcode]OpMeta{
	OpNoop:     {Name: "noop", Arity: 0},
	OpAdd:      {Name: "add", Arity: 2},
	OpSub:      {Name: "sub", Arity: 2},
	OpMul:      {Name: "mul", Arity: 2},
	OpDiv:      {Name: "div", Arity: 2},
	OpSqrPlusX: {Name: "sqr_plus_x", Arity: 1},
	OpReLU:     {Name: "relu", Arity: 1},
	OpSigmoid:  {Name: "sigmoid", Arity: 1},
	OpTanh:     {Name: "tanh", Arity: 1},
	OpMatMul:   {Name: "matmul", Arity: 2},
	OpSoftmax:  {Name: "softmax", Arity: 1},
	OpSum: {
		Name: "sum", Arity: 1, IsReducing: true,
		Neutral: func(core.DType) float64 { return 0 },
	},
	OpProduct: {
		Name: "product", Arity: 1, IsReducing: true,
		Neutral: func(core.DType) float64 { return 1 },
	},
	OpMax: {
		Name: "max", Arity: 1, IsReducing: true,
		Neutral: func(dtype core.DType) float64 {
			if dtype.IsInteger() {
				return negInt64ForDType(dtype)
			}
			return negInf
		},
	},
	OpMin: {
		Name: "min", Arity: 1, IsReducing: true,
		Neutral: func(dtype core.DType) float64 {
			if dtype.IsInteger() {
				bits := float64(dtype.Size() * 8)
				if dtype >= core.Uint8 {
					return math.Exp2(bits) - 1
				}
				return math.Exp2(bits-1) - 1
			}
			return posInf
		},
	},
}

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

func negInt64ForDType(dtype core.DType) float64 {
	switch dtype {
	case core.Int8:
		return -128
	case core.Int16:
		return -32768
	case core.Int32:
		return -2147483648
	case core.Int64:
		return -9223372036854775808
	default:
		return 0
	}
}

// Lookup returns the OpMeta for opcode, and false for any extension opcode
// (>= ExtOpcodeBase), which carries no built-in metadata.
func Lookup(opcode Opcode) (OpMeta, bool) {
	if opcode >= ExtOpcodeBase {
		return OpMeta{}, false
	}
	m, ok := opTable[opcode]
	return m, ok
}
