// Package engine implements per-batch execution dispatch: for each
// planned Kernel, extension opcodes route to a registered function
// pointer, multi-instruction kernels compile and run as one generated
// object, and single-instruction fallback kernels run through the same
// path one instruction at a time (SIJ — single instruction jitting).
//
// The per-kernel dispatch loop is a straight-line sequential walk: each
// kernel's compiled function is invoked once, on the calling goroutine.
// Options.ThreadBinding is carried in Options but Execute does not
// consult it.
package engine

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vecrt/vecrt/block"
	"github.com/vecrt/vecrt/codegen"
	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/fusioncache"
	"github.com/vecrt/vecrt/objstore"
	"github.com/vecrt/vecrt/planner"
	"github.com/vecrt/vecrt/symtab"
	"github.com/vecrt/vecrt/vecerr"
	"github.com/vecrt/vecrt/victimcache"
)

// ThreadBinding names a policy for assigning worker goroutines to a split
// loop nest. Execute does not consult it: every kernel, split or not, runs
// as one call on the calling goroutine.
type ThreadBinding int

const (
	// BindingNone runs every split chunk on whatever goroutine picks it
	// up from the shared work queue.
	BindingNone ThreadBinding = iota
	// BindingPinPerThread assigns chunk i to worker i%Workers for the
	// life of the batch, trading load balance for cache affinity.
	BindingPinPerThread
	// BindingNUMANodeFirst groups chunks by a caller-supplied NUMA node
	// hint before falling back to PinPerThread ordering within a node.
	BindingNUMANodeFirst
)

// ExtFunc is a registered extension opcode's implementation: given the
// operand views of the instruction that invoked it, it performs whatever
// side effect the extension defines (a device-specific operation, a
// bridge callback) and returns an error using the vecerr taxonomy.
type ExtFunc func(operands []core.View) error

// Options configures a new Engine.
type Options struct {
	Workers int
	// MinThreadingElements gates SplitForThreading: a loop whose largest
	// operand has no more elements than this is left unsplit regardless of
	// Workers, since goroutine dispatch overhead would outweigh the gain.
	// Zero uses a built-in default.
	MinThreadingElements int64
	ThreadBinding         ThreadBinding
	FusionModel           planner.FusionModel
	CacheDir              string
	ObjectDir             string
	VictimBytes           int64
	Compiler              objstore.Compiler
	Loader                objstore.Loader
	EnableStats           bool
}

// defaultMinThreadingElements is the built-in minimum operand element
// count a loop must exceed before SplitForThreading will chunk it.
const defaultMinThreadingElements = 4096

func (e *Engine) minThreading() int64 {
	if e.opts.MinThreadingElements > 0 {
		return e.opts.MinThreadingElements
	}
	return defaultMinThreadingElements
}

// Stats accumulates execution counters, read via Engine.Stats.
type Stats struct {
	TotalBatches     int64
	TotalKernels     int64
	TotalSIJFallback int64
	TotalExtCalls    int64
	AverageLatency   time.Duration
}

// Engine ties the planner, symbol table, code generator, object store and
// victim cache into one Execute entry point per Batch.
type Engine struct {
	opts    Options
	cache   *fusioncache.Cache
	objects *objstore.Store
	victims *victimcache.Cache

	mu         sync.RWMutex
	extensions map[uint16]ExtFunc

	statsMu sync.Mutex
	stats   Stats
}

// New builds an Engine from opts. It does not load any persisted fusion
// cache or object store state; call LoadPersisted for that.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FusionModel.MayFuse == nil {
		opts.FusionModel = planner.GreedyModel
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = objstore.CCCompiler{}
	}
	loader := opts.Loader
	if loader == nil {
		loader = objstore.DLOpenLoader{}
	}
	victimBytes := opts.VictimBytes
	if victimBytes <= 0 {
		victimBytes = 256 << 20
	}
	return &Engine{
		opts:       opts,
		cache:      fusioncache.New(opts.CacheDir),
		objects:    objstore.New(opts.ObjectDir, compiler, loader),
		victims:    victimcache.New(victimBytes),
		extensions: map[uint16]ExtFunc{},
	}
}

// PreloadFusionEntry seeds the engine's in-memory fusion cache with a
// partition computed ahead of time (typically by cmd/vecc), so the first
// Execute call against a matching batch hits the cache instead of
// replanning from scratch.
func (e *Engine) PreloadFusionEntry(entry fusioncache.Entry) {
	e.cache.Insert(entry)
}

// LoadPersisted eagerly loads the fusion cache and object store from
// their configured directories at startup.
func (e *Engine) LoadPersisted() error {
	if err := e.cache.LoadFromDisk(); err != nil {
		return err
	}
	return e.objects.PreloadDir()
}

// RegisterExtension binds name to a function invoked whenever opcode
// appears in a batch. The map is write-once per opcode: registering the
// same opcode twice returns an error, and RegisterExtension must not be
// called concurrently with Execute (the contract matches spec: "read-only
// during execute").
func (e *Engine) RegisterExtension(name string, opcode uint16, fn ExtFunc) error {
	if opcode < codegen.ExtOpcodeBase {
		return vecerr.New(vecerr.KindExtmethodNotSupported, "opcode below reserved extension range")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.extensions[opcode]; exists {
		return vecerr.New(vecerr.KindExtmethodNotSupported, "extension opcode already registered: "+name)
	}
	e.extensions[opcode] = fn
	return nil
}

// Stats returns a snapshot of the engine's execution counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// isTempOf reports whether base belongs to kernel's private temp list.
func isTempOf(kernel core.Kernel) func(*core.Base) bool {
	temps := make(map[*core.Base]bool, len(kernel.TempList))
	for _, t := range kernel.TempList {
		temps[t] = true
	}
	return func(b *core.Base) bool { return temps[b] }
}

// Execute plans batch (consulting the fusion cache) and runs every
// resulting kernel in order: a control-opcode kernel runs its FREE/SYNC/
// DISCARD effect directly, an extension-opcode kernel dispatches to a
// registered ExtFunc, and every other kernel runs through ExecuteBlock —
// as one fused unit when it has more than one instruction, or through the
// same path one instruction at a time otherwise (SIJ fallback).
func (e *Engine) Execute(batch *core.Batch) error {
	start := time.Now()
	kernels, err := planner.Plan(batch, e.opts.FusionModel, e.cache)
	if err != nil {
		return vecerr.Wrap(vecerr.KindInternalInvariant, "plan batch", err)
	}
	batch.KernelList = kernels

	for _, kernel := range kernels {
		if err := e.executeKernel(batch, kernel); err != nil {
			return err
		}
	}

	if e.opts.EnableStats {
		e.recordBatch(start, len(kernels))
	}
	return nil
}

func (e *Engine) executeKernel(batch *core.Batch, kernel core.Kernel) error {
	if len(kernel.InstrIndexes) == 1 {
		ins := batch.InstrList[kernel.InstrIndexes[0]]
		if isControlOpcode(ins.Opcode) {
			return e.executeControl(ins)
		}
		if ins.Opcode >= codegen.ExtOpcodeBase {
			return e.dispatchExtension(ins)
		}
	}
	// Everything else runs through ExecuteBlock: as one fused unit when the
	// kernel has more than one instruction, or as the SIJ (single
	// instruction jitting) fallback when the planner left it alone.
	return e.ExecuteBlock(batch, kernel)
}

func isControlOpcode(op uint16) bool {
	return op == planner.OpFree || op == planner.OpSync || op == planner.OpDiscard
}

// executeControl handles the three control opcodes that never reach a
// generated kernel: OpFree returns its operands' storage to the victim
// cache, OpSync and OpDiscard carry no runtime effect of their own here
// (a real backend would flush pending async work or drop a result without
// computing it; single-threaded cooperative dispatch makes both no-ops).
func (e *Engine) executeControl(ins core.Instruction) error {
	if ins.Opcode != planner.OpFree {
		return nil
	}
	for _, op := range ins.Operands {
		if op.Base == nil || op.Base.Data == nil {
			continue
		}
		if op.Base.Release() {
			e.victims.Free(op.Base.Data)
			op.Base.Data = nil
		}
	}
	return nil
}

func (e *Engine) dispatchExtension(ins core.Instruction) error {
	e.mu.RLock()
	fn, ok := e.extensions[ins.Opcode]
	e.mu.RUnlock()
	if !ok {
		return vecerr.New(vecerr.KindExtmethodNotSupported, "no extension registered for opcode")
	}
	e.statsMu.Lock()
	e.stats.TotalExtCalls++
	e.statsMu.Unlock()
	return fn(ins.Operands)
}

// ExecuteBlock is the shared execution path for both fused multi-
// instruction kernels and SIJ single-instruction fallback: build the
// kernel's symbol table, contract eligible temporaries, allocate any
// output views that need fresh storage, generate C source, compile-or-
// fetch it from the object store, and invoke it.
func (e *Engine) ExecuteBlock(batch *core.Batch, kernel core.Kernel) error {
	sijFallback := len(kernel.InstrIndexes) == 1

	instrs := make([]core.Instruction, len(kernel.InstrIndexes))
	for i, idx := range kernel.InstrIndexes {
		instrs[i] = batch.InstrList[idx]
	}
	tree := block.CreateNestedBlock(instrs)
	tree = block.PushReductionsInwards(tree)
	if e.opts.Workers > 1 {
		tree = block.SplitForThreading(tree, e.minThreading(), e.opts.Workers)
	}
	tree = block.CollapseRedundantAxes(tree)
	if err := block.Validate(tree); err != nil {
		return vecerr.Wrap(vecerr.KindInternalInvariant, "invalid loop-block tree", err)
	}

	// Symbols are interned from the tree's own (possibly merged)
	// instructions, not the pre-transform slice, so the Shape/Stride the
	// code generator addresses against always matches what the passes
	// above, CollapseRedundantAxes in particular, actually left behind.
	finalInstrs := block.CollectInstructions(tree)
	st := symtab.Build(finalInstrs, isTempOf(kernel))
	if !sijFallback {
		symtab.Contract(st, kernel)
	}

	if err := e.allocateOutputs(st); err != nil {
		return err
	}

	emitter := codegen.NewEmitter(codegen.DefaultProfile{})
	emitter.EmitEntryFunction(objstore.EntrySymbolName, st, tree)
	src := emitter.Source()

	key := objstore.Key{
		CompilationHash: structuralHash(finalInstrs),
		SymbolHash:      symbolHash(st),
	}
	fn, err := e.objects.GetOrCompile(key, src)
	if err != nil {
		return err
	}

	args := buildArgs(st)
	fn(args)
	return nil
}

// allocateOutputs ensures every non-scalar-const, non-scalar-temp,
// non-contractable symbol has backing storage, pulling fresh bytes from
// the victim cache rather than the Go heap directly.
func (e *Engine) allocateOutputs(st *symtab.SymbolTable) error {
	for _, sym := range st.Symbols() {
		switch sym.Layout {
		case symtab.ScalarConst, symtab.ScalarTemp, symtab.Contractable:
			continue
		}
		if sym.View.Base == nil || sym.View.Base.Data != nil {
			continue
		}
		n := core.NElementsNoBcast(sym.View) * sym.View.DType().Size()
		buf, err := e.victims.Alloc(int(n))
		if err != nil {
			return vecerr.Wrap(vecerr.KindOutOfMemory, "allocate operand storage", err)
		}
		sym.View.Base.Data = buf
	}
	return nil
}

func (e *Engine) recordBatch(start time.Time, numKernels int) {
	elapsed := time.Since(start)
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.TotalBatches++
	e.stats.TotalKernels += int64(numKernels)
	if numKernels == 1 {
		e.stats.TotalSIJFallback++
	}
	n := e.stats.TotalBatches
	e.stats.AverageLatency = (e.stats.AverageLatency*time.Duration(n-1) + elapsed) / time.Duration(n)
	klog.V(4).Infof("engine: batch of %d kernels in %s", numKernels, elapsed)
}
