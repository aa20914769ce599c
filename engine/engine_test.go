package engine

import (
	"encoding/binary"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecrt/vecrt/codegen"
	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/objstore"
	"github.com/vecrt/vecrt/planner"
)

type countingCompiler struct {
	calls int32
}

func (c *countingCompiler) CompileToSharedObject(src, outPath string) error {
	atomic.AddInt32(&c.calls, 1)
	return writeStubObject(outPath)
}

type stubLoader struct{ fn objstore.EntryFunc }

func (l stubLoader) Open(path string) (objstore.Handle, error) {
	return stubHandle{l.fn}, nil
}

type stubHandle struct{ fn objstore.EntryFunc }

func (h stubHandle) Lookup(symbol string) (interface{}, error) {
	return h.fn, nil
}

func writeStubObject(path string) error {
	return os.WriteFile(path, []byte("stub"), 0o644)
}

func newTestEngine(t *testing.T, calls *int32) *Engine {
	t.Helper()
	compiler := &countingCompiler{}
	var fnCalls int32
	loader := stubLoader{fn: func(args []unsafe.Pointer) {
		atomic.AddInt32(&fnCalls, 1)
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
	}}
	return New(Options{
		Workers:     1,
		FusionModel: planner.GreedyModel,
		ObjectDir:   t.TempDir(),
		Compiler:    compiler,
		Loader:      loader,
	})
}

func floatView(shape []int64, data []float64) core.View {
	base, _ := core.NewBase(core.Float64, int64(len(data)))
	for i, v := range data {
		putFloat64(base.Data[i*8:], v)
	}
	stride := make([]int64, len(shape))
	if len(shape) > 0 {
		stride[len(shape)-1] = 1
		for i := len(shape) - 2; i >= 0; i-- {
			stride[i] = stride[i+1] * shape[i+1]
		}
	}
	return core.View{Base: base, NDim: len(shape), Shape: shape, Stride: stride}
}

func putFloat64(b []byte, v float64) {
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
}

func TestRegisterExtensionRejectsOpcodeBelowRange(t *testing.T) {
	e := New(Options{})
	err := e.RegisterExtension("too-low", 5, func([]core.View) error { return nil })
	assert.Error(t, err)
}

func TestRegisterExtensionRejectsDuplicate(t *testing.T) {
	e := New(Options{})
	opcode := codegen.ExtOpcodeBase + 1
	require.NoError(t, e.RegisterExtension("first", opcode, func([]core.View) error { return nil }))
	err := e.RegisterExtension("second", opcode, func([]core.View) error { return nil })
	assert.Error(t, err)
}

func TestExtensionOpcodeDispatchesToRegisteredFunc(t *testing.T) {
	e := New(Options{FusionModel: planner.GreedyModel})
	opcode := codegen.ExtOpcodeBase + 7
	var invoked int32
	require.NoError(t, e.RegisterExtension("my-ext", opcode, func(operands []core.View) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	}))

	batch := core.NewBatch([]core.Instruction{
		{Opcode: opcode, Operands: []core.View{floatView([]int64{4}, []float64{1, 2, 3, 4})}},
	})
	require.NoError(t, e.Execute(batch))
	assert.Equal(t, int32(1), atomic.LoadInt32(&invoked))
	assert.Equal(t, int64(1), e.Stats().TotalExtCalls)
}

func TestUnregisteredExtensionOpcodeErrors(t *testing.T) {
	e := New(Options{FusionModel: planner.GreedyModel})
	opcode := codegen.ExtOpcodeBase + 99
	batch := core.NewBatch([]core.Instruction{
		{Opcode: opcode, Operands: []core.View{floatView([]int64{2}, []float64{1, 2})}},
	})
	err := e.Execute(batch)
	assert.Error(t, err)
}

func TestExecuteFusesElementwiseChainIntoOneCompiledKernel(t *testing.T) {
	var callCount int32
	e := newTestEngine(t, &callCount)
	compiler := e.objects.Compiler.(*countingCompiler)

	out := floatView([]int64{4}, make([]float64, 4))
	a := floatView([]int64{4}, []float64{1, 2, 3, 4})
	b := floatView([]int64{4}, []float64{5, 6, 7, 8})
	tmp := floatView([]int64{4}, make([]float64, 4))

	batch := core.NewBatch([]core.Instruction{
		{Opcode: codegen.OpAdd, Operands: []core.View{tmp, a, b}},
		{Opcode: codegen.OpMul, Operands: []core.View{out, tmp, a}},
	})
	require.NoError(t, e.Execute(batch))
	assert.Equal(t, int32(1), atomic.LoadInt32(&compiler.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&callCount))
}

func TestExecuteRunsSIJFallbackForEachUnfusableInstruction(t *testing.T) {
	e := newTestEngine(t, nil)
	compiler := e.objects.Compiler.(*countingCompiler)

	out1 := floatView([]int64{4}, make([]float64, 4))
	out2 := floatView([]int64{2, 3}, make([]float64, 6))
	a := floatView([]int64{4}, []float64{1, 2, 3, 4})
	b := floatView([]int64{2, 3}, []float64{1, 2, 3, 4, 5, 6})

	batch := core.NewBatch([]core.Instruction{
		{Opcode: codegen.OpAdd, Operands: []core.View{out1, a, a}},
		{Opcode: codegen.OpMul, Operands: []core.View{out2, b, b}},
	})
	require.NoError(t, e.Execute(batch))
	// A 4-element and a 6-element operand never align, so GreedyModel
	// splits into two single-instruction kernels, each compiled once.
	assert.Equal(t, int32(2), atomic.LoadInt32(&compiler.calls))
}

func TestControlOpcodeKernelIsANoop(t *testing.T) {
	e := newTestEngine(t, nil)
	base, _ := core.NewBase(core.Float64, 4)
	view := core.View{Base: base, NDim: 1, Shape: []int64{4}, Stride: []int64{1}}
	batch := core.NewBatch([]core.Instruction{
		{Opcode: planner.OpFree, Operands: []core.View{view}},
	})
	require.NoError(t, e.Execute(batch))
}

// orderedCompiler records the sequence compiled objects were requested in,
// so a paired loader can hand back the entry point matching that same
// position without needing to parse generated C.
type orderedCompiler struct {
	mu    sync.Mutex
	order map[string]int
	next  int
}

func (c *orderedCompiler) CompileToSharedObject(src, outPath string) error {
	// objstore compiles to "<final>.tmp-<uuid>" and opens <final> after
	// renaming it, so the order is recorded under the final path.
	final := outPath
	if i := strings.Index(outPath, ".tmp-"); i >= 0 {
		final = outPath[:i]
	}
	c.mu.Lock()
	c.order[final] = c.next
	c.next++
	c.mu.Unlock()
	return writeStubObject(outPath)
}

type orderedLoader struct {
	compiler *orderedCompiler
	fns      []objstore.EntryFunc
}

func (l orderedLoader) Open(path string) (objstore.Handle, error) {
	l.compiler.mu.Lock()
	idx := l.compiler.order[path]
	l.compiler.mu.Unlock()
	return orderedHandle{fn: l.fns[idx]}, nil
}

type orderedHandle struct{ fn objstore.EntryFunc }

func (h orderedHandle) Lookup(symbol string) (interface{}, error) { return h.fn, nil }

// TestExecuteReductionChainProducesCorrectSum reproduces E2 (t = A+B;
// s = reduce(+, t, axis=0) over [8,8] operands) end to end: planning,
// PushReductionsInwards, storage allocation and argument binding all run
// for real, with only the final compiled-object call replaced by a
// deterministic stand-in that performs the same math the generated C
// would, so the assertion is on the resulting numbers rather than tree
// shape.
func TestExecuteReductionChainProducesCorrectSum(t *testing.T) {
	a := floatView([]int64{8, 8}, func() []float64 {
		vals := make([]float64, 64)
		for i := range vals {
			vals[i] = float64(i)
		}
		return vals
	}())
	b := floatView([]int64{8, 8}, func() []float64 {
		vals := make([]float64, 64)
		for i := range vals {
			vals[i] = 1
		}
		return vals
	}())
	tmp := floatView([]int64{8, 8}, make([]float64, 64))
	sumBase, _ := core.NewBase(core.Float64, 8)
	s := core.View{Base: sumBase, NDim: 1, Shape: []int64{8}, Stride: []int64{1}}

	compiler := &orderedCompiler{order: map[string]int{}}
	loader := orderedLoader{
		compiler: compiler,
		fns: []objstore.EntryFunc{
			// t = A + B, elementwise over 64 contiguous float64 elements.
			func(args []unsafe.Pointer) {
				out := (*[64]float64)(args[0])
				a := (*[64]float64)(args[1])
				b := (*[64]float64)(args[2])
				for i := range out {
					out[i] = a[i] + b[i]
				}
			},
			// s = sum(t, axis=0): column j of s accumulates row i of t.
			func(args []unsafe.Pointer) {
				out := (*[8]float64)(args[0])
				in := (*[64]float64)(args[1])
				for j := 0; j < 8; j++ {
					var acc float64
					for i := 0; i < 8; i++ {
						acc += in[i*8+j]
					}
					out[j] = acc
				}
			},
		},
	}

	e := New(Options{
		Workers:     1,
		FusionModel: planner.GreedyModel,
		ObjectDir:   t.TempDir(),
		Compiler:    compiler,
		Loader:      loader,
	})

	batch := core.NewBatch([]core.Instruction{
		{Opcode: codegen.OpAdd, Operands: []core.View{tmp, a, b}},
		{Opcode: codegen.OpSum, Operands: []core.View{s, tmp}},
	})
	require.NoError(t, e.Execute(batch))

	for j := 0; j < 8; j++ {
		var want float64
		for i := 0; i < 8; i++ {
			want += float64(i*8+j) + 1
		}
		got := *(*float64)(unsafe.Pointer(&sumBase.Data[j*8]))
		assert.Equal(t, want, got)
	}
}

func TestExecuteAllocatesMissingOutputStorage(t *testing.T) {
	e := newTestEngine(t, nil)
	a := floatView([]int64{4}, []float64{1, 2, 3, 4})
	outBase := &core.Base{DType: core.Float64, NElem: 4}
	out := core.View{Base: outBase, NDim: 1, Shape: []int64{4}, Stride: []int64{1}}

	batch := core.NewBatch([]core.Instruction{
		{Opcode: codegen.OpAdd, Operands: []core.View{out, a, a}},
	})
	require.NoError(t, e.Execute(batch))
	assert.NotNil(t, outBase.Data)
}
