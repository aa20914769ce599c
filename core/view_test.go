package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contigView(t *testing.T, dtype DType, shape []int64) View {
	t.Helper()
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	b, err := NewBase(dtype, n)
	require.NoError(t, err)
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return View{Base: b, NDim: len(shape), Shape: append([]int64(nil), shape...), Stride: stride}
}

func TestNElementsAndNoBcast(t *testing.T) {
	v := contigView(t, Float32, []int64{4, 8})
	assert.Equal(t, int64(32), NElements(v))

	broadcast := v
	broadcast.Shape = []int64{4, 8}
	broadcast.Stride = []int64{0, 1}
	assert.Equal(t, int64(32), NElements(broadcast))
	assert.Equal(t, int64(8), NElementsNoBcast(broadcast))
}

func TestIsConstantAndIsScalar(t *testing.T) {
	c := NewConstView(Float64, [16]byte{})
	assert.True(t, IsConstant(c))
	assert.True(t, IsScalar(c))

	v := contigView(t, Int32, []int64{1, 1})
	assert.False(t, IsConstant(v))
	assert.True(t, IsScalar(v))
}

// E5: SimplifyToShape must correctly broadcast unit axes and reject
// incompatible shapes.
func TestSimplifyToShapeBroadcastsAndRejects(t *testing.T) {
	v := contigView(t, Float32, []int64{1, 8})
	out, ok := SimplifyToShape(v, []int64{4, 8})
	require.True(t, ok)
	assert.Equal(t, []int64{0, 1}, out.Stride)

	_, ok = SimplifyToShape(v, []int64{4, 9})
	assert.False(t, ok)
}

func TestSimplifyMergesContiguousAxesAndDropsUnitAxes(t *testing.T) {
	v := contigView(t, Float32, []int64{1, 4, 8})
	out := Simplify(v)
	assert.Equal(t, 1, out.NDim)
	assert.Equal(t, []int64{32}, out.Shape)
}

func TestSimplifyNeverMergesBroadcastAxes(t *testing.T) {
	v := View{
		Shape:  []int64{4, 8},
		Stride: []int64{0, 1},
		NDim:   2,
	}
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	v.Base = base
	out := Simplify(v)
	assert.Equal(t, 2, out.NDim)
}

func TestViewSame(t *testing.T) {
	v := contigView(t, Float32, []int64{4})
	same := v
	assert.True(t, ViewSame(v, same))

	other := contigView(t, Float32, []int64{4})
	assert.False(t, ViewSame(v, other))
}

func TestViewAlignedIgnoresBase(t *testing.T) {
	a := contigView(t, Float32, []int64{2, 3})
	b := contigView(t, Int32, []int64{2, 3})
	assert.True(t, ViewAligned(a, b))

	c := contigView(t, Float32, []int64{3, 2})
	assert.False(t, ViewAligned(a, c))
}

// E4: disjointness must never false-positive on overlapping views.
func TestViewDisjointDifferentBasesAlwaysDisjoint(t *testing.T) {
	a := contigView(t, Float32, []int64{4})
	b := contigView(t, Float32, []int64{4})
	assert.True(t, ViewDisjoint(a, b))
}

func TestViewDisjointOverlappingSameBaseNeverReportsDisjoint(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	a := View{Base: base, NDim: 1, Start: 0, Shape: []int64{4}, Stride: []int64{1}}
	b := View{Base: base, NDim: 1, Start: 2, Shape: []int64{4}, Stride: []int64{1}}
	assert.False(t, ViewDisjoint(a, b))
}

func TestViewDisjointNonOverlappingRangesSameBase(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	a := View{Base: base, NDim: 1, Start: 0, Shape: []int64{4}, Stride: []int64{1}}
	b := View{Base: base, NDim: 1, Start: 4, Shape: []int64{4}, Stride: []int64{1}}
	assert.True(t, ViewDisjoint(a, b))
}

func TestViewDisjointStridedInterleaveNeverFalsePositive(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	evens := View{Base: base, NDim: 1, Start: 0, Shape: []int64{4}, Stride: []int64{2}}
	odds := View{Base: base, NDim: 1, Start: 1, Shape: []int64{4}, Stride: []int64{2}}
	assert.True(t, ViewDisjoint(evens, odds))

	overlap := View{Base: base, NDim: 1, Start: 0, Shape: []int64{4}, Stride: []int64{1}}
	assert.False(t, ViewDisjoint(evens, overlap))
}

func TestViewDisjointFoldsFullRankOnRankMismatch(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	a := View{Base: base, NDim: 2, Start: 0, Shape: []int64{2, 2}, Stride: []int64{6, 1}}
	b := View{Base: base, NDim: 1, Start: 1, Shape: []int64{2}, Stride: []int64{6}}
	assert.False(t, ViewDisjoint(a, b))
}

func TestInstrDependencySymmetricOnHazard(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	w := View{Base: base, NDim: 1, Shape: []int64{4}, Stride: []int64{1}}
	r := View{Base: base, NDim: 1, Start: 2, Shape: []int64{4}, Stride: []int64{1}}

	writeInstr := Instruction{Opcode: 1, Operands: []View{w}}
	readInstr := Instruction{Opcode: 2, Operands: []View{r, w}}

	assert.True(t, InstrDependency(writeInstr, readInstr))
	assert.True(t, InstrDependency(readInstr, writeInstr))
}

func TestInstrDependencyFalseWhenDisjoint(t *testing.T) {
	base, err := NewBase(Float32, 8)
	require.NoError(t, err)
	a := Instruction{Opcode: 1, Operands: []View{{Base: base, NDim: 1, Start: 0, Shape: []int64{4}, Stride: []int64{1}}}}
	b := Instruction{Opcode: 1, Operands: []View{{Base: base, NDim: 1, Start: 4, Shape: []int64{4}, Stride: []int64{1}}}}
	assert.False(t, InstrDependency(a, b))
}
