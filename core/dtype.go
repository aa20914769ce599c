// Package core implements the view algebra and data model that every other
// vecrt package builds on: typed contiguous storage (Base), strided
// N-dimensional addressing over that storage (View), and the fixed-arity
// Instruction/Batch types a frontend hands to the planner.
//
// The storage/addressing split generalizes a fixed dual float32/uint32
// payload-plus-topology model into an arbitrary-dtype Base plus a View
// that can address any strided slice of it, matching a real array
// runtime's separation of allocation from indexing.
package core

import "fmt"

// DType enumerates the element types a Base may hold.
type DType uint8

const (
	Bool DType = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Complex64
	Complex128
	R123 // Random123 counter-based RNG state, four uint32 lanes
)

// Size returns the element size in bytes for the dtype.
func (d DType) Size() int64 {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	case R123:
		return 16
	default:
		return 0
	}
}

func (d DType) String() string {
	names := [...]string{
		"bool", "int8", "int16", "int32", "int64",
		"uint8", "uint16", "uint32", "uint64",
		"float32", "float64", "complex64", "complex128", "r123",
	}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// IsFloat reports whether d is a real floating-point type.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

// IsInteger reports whether d is a signed or unsigned integer type.
func (d DType) IsInteger() bool {
	switch d {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}
