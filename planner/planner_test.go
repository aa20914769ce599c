package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/fusioncache"
)

func vecView(t *testing.T, n int64) core.View {
	t.Helper()
	b, err := core.NewBase(core.Float32, n)
	require.NoError(t, err)
	return core.View{Base: b, NDim: 1, Shape: []int64{n}, Stride: []int64{1}}
}

// E1: a chain of elementwise instructions over the same shape fuses into
// one kernel under the greedy model.
func TestPlanFusesElementwiseChain(t *testing.T) {
	a, b, c := vecView(t, 8), vecView(t, 8), vecView(t, 8)
	instrs := []core.Instruction{
		{Opcode: 1, Operands: []core.View{a, b, c}}, // a = b + c
		{Opcode: 2, Operands: []core.View{a, a}},    // a = a * a (in place, same shape)
	}
	batch := core.NewBatch(instrs)
	kernels, err := Plan(batch, GreedyModel, nil)
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, []int{0, 1}, kernels[0].InstrIndexes)
}

func TestPlanSplitsOnShapeMismatch(t *testing.T) {
	v8 := vecView(t, 8)
	v4 := vecView(t, 4)
	instrs := []core.Instruction{
		{Opcode: 1, Operands: []core.View{v8, v8}},
		{Opcode: 1, Operands: []core.View{v4, v4}},
	}
	batch := core.NewBatch(instrs)
	kernels, err := Plan(batch, GreedyModel, nil)
	require.NoError(t, err)
	require.Len(t, kernels, 2)
}

func TestPlanControlOpcodesAlwaysBoundary(t *testing.T) {
	v8a, v8b := vecView(t, 8), vecView(t, 8)
	instrs := []core.Instruction{
		{Opcode: 1, Operands: []core.View{v8a, v8a}},
		{Opcode: OpSync, Operands: nil},
		{Opcode: 1, Operands: []core.View{v8b, v8b}},
	}
	batch := core.NewBatch(instrs)
	kernels, err := Plan(batch, GreedyModel, nil)
	require.NoError(t, err)
	require.Len(t, kernels, 3)
	assert.Equal(t, []int{1}, kernels[1].InstrIndexes)
}

func TestSingleKernelModelNeverSplitsExceptOnControl(t *testing.T) {
	v4, v8 := vecView(t, 4), vecView(t, 8)
	instrs := []core.Instruction{
		{Opcode: 1, Operands: []core.View{v4, v4}},
		{Opcode: 1, Operands: []core.View{v8, v8}},
	}
	batch := core.NewBatch(instrs)
	kernels, err := Plan(batch, SingleKernelModel, nil)
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, []int{0, 1}, kernels[0].InstrIndexes)
}

func TestPlanUsesCacheOnSecondCall(t *testing.T) {
	cache := fusioncache.New(t.TempDir())
	a := vecView(t, 8)
	batch1 := core.NewBatch([]core.Instruction{{Opcode: 1, Operands: []core.View{a, a}}})

	first, err := Plan(batch1, GreedyModel, cache)
	require.NoError(t, err)

	b := vecView(t, 8) // different Base, same structure
	batch2 := core.NewBatch([]core.Instruction{{Opcode: 1, Operands: []core.View{b, b}}})
	second, err := Plan(batch2, GreedyModel, cache)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	m, ok := r.Get("greedy")
	require.True(t, ok)
	assert.Equal(t, "greedy", m.Name)

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}
