// Package planner implements the fusion planner: it walks a Batch's
// instruction list in order and partitions it into Kernels using a
// pluggable FusionModel, consulting a fusioncache.Cache so a batch with a
// structure seen before skips replanning entirely.
//
// The ordered walk generalizes Kahn's-algorithm topological validation
// over a node graph to a linear instruction stream: every kernel is a
// contiguous run of the stream and kernels keep stream order, so no
// instruction ever moves past another and no explicit dependency check
// is made. FusionModel simplifies a priority-sorted worklist
// fusion algorithm's Match/CanFuse/Apply shape down to a single may_fuse
// predicate.
package planner

import (
	"k8s.io/klog/v2"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/fusioncache"
	"github.com/vecrt/vecrt/vecerr"
)

// Control opcodes always terminate the kernel under construction: they
// have no compute semantics of their own and must be visible to the
// engine as their own dispatch boundary.
const (
	OpFree    uint16 = 0xFFFD
	OpSync    uint16 = 0xFFFE
	OpDiscard uint16 = 0xFFFF
)

func isControlOpcode(op uint16) bool {
	return op == OpFree || op == OpSync || op == OpDiscard
}

// FusionModel decides whether a candidate instruction may join the kernel
// under construction. kernelSoFar is the instruction list of the kernel
// being built (not yet committed); candidate is the next instruction in
// program order. A model must be a pure function of its two arguments.
type FusionModel struct {
	Name    string
	MayFuse func(kernelSoFar []core.Instruction, candidate core.Instruction) bool
}

// SingleKernelModel places every non-control instruction into one kernel
// (each run between control opcodes becomes one fused kernel), the
// trivial fusion policy under which the planner decides nothing
// interesting.
var SingleKernelModel = FusionModel{
	Name:    "single-kernel",
	MayFuse: func([]core.Instruction, core.Instruction) bool { return true },
}

// GreedyModel fuses a candidate into the running kernel whenever its
// primary (first) operand shares the kernel's iteration space — same
// logical shape once broadcast axes are accounted for — with the first
// instruction that opened the kernel. This is the elementwise/reduction
// fusibility test a real array runtime cares about: two instructions can
// share one generated loop nest only if that loop nest visits the same
// index space for both.
var GreedyModel = FusionModel{
	Name: "greedy",
	MayFuse: func(kernelSoFar []core.Instruction, candidate core.Instruction) bool {
		if len(kernelSoFar) == 0 || len(candidate.Operands) == 0 {
			return true
		}
		anchor := kernelSoFar[0]
		if len(anchor.Operands) == 0 {
			return true
		}
		return core.ViewAligned(anchor.Operands[0], candidate.Operands[0])
	},
}

// Registry holds named FusionModels so a component.Chain can select the
// active one by config key, matching original_source/fuser's several
// simultaneous fuser implementations.
type Registry struct {
	models map[string]FusionModel
}

// NewRegistry builds a Registry preloaded with SingleKernelModel and
// GreedyModel.
func NewRegistry() *Registry {
	r := &Registry{models: map[string]FusionModel{}}
	r.Register(SingleKernelModel)
	r.Register(GreedyModel)
	return r
}

func (r *Registry) Register(m FusionModel) { r.models[m.Name] = m }

func (r *Registry) Get(name string) (FusionModel, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Plan partitions batch.InstrList into Kernels under model, consulting
// cache first. On a cache hit the persisted partition is rebound to this
// batch's live instructions; on a miss, Plan computes a fresh partition
// and records it in cache (both in memory and, if the caller later calls
// cache.WriteToDisk, on disk).
func Plan(batch *core.Batch, model FusionModel, cache *fusioncache.Cache) ([]core.Kernel, error) {
	if len(batch.InstrList) == 0 {
		return nil, nil
	}

	var hash uint64
	if cache != nil {
		hash = fusioncache.Hash(batch, model.Name)
		if entry, ok := cache.Lookup(hash); ok {
			kernels, err := rebind(entry, batch)
			if err == nil {
				klog.V(3).Infof("planner: cache hit for hash %016x (%d kernels)", hash, len(kernels))
				return kernels, nil
			}
			klog.V(2).Infof("planner: cache entry for hash %016x unusable: %v; replanning", hash, err)
		}
	}

	kernels := plan(batch.InstrList, model)

	if cache != nil {
		cache.Insert(toEntry(model.Name, hash, kernels))
	}
	return kernels, nil
}

// plan does the actual ordered walk-and-partition. Each kernel is a
// contiguous run of instrs and kernels come out in program order, so no
// write is reordered past a read (or vice versa); plan makes no
// core.InstrDependency check of its own.
func plan(instrs []core.Instruction, model FusionModel) []core.Kernel {
	var kernels []core.Kernel
	var current []core.Instruction
	var currentIdx []int

	flush := func() {
		if len(currentIdx) == 0 {
			return
		}
		kernels = append(kernels, core.Kernel{InstrIndexes: append([]int(nil), currentIdx...)})
		current = nil
		currentIdx = nil
	}

	for i, ins := range instrs {
		if isControlOpcode(ins.Opcode) {
			flush()
			kernels = append(kernels, core.Kernel{InstrIndexes: []int{i}})
			continue
		}
		if len(current) > 0 && model.MayFuse(current, ins) {
			current = append(current, ins)
			currentIdx = append(currentIdx, i)
			continue
		}
		flush()
		current = []core.Instruction{ins}
		currentIdx = []int{i}
	}
	flush()
	return kernels
}

func toEntry(modelName string, hash uint64, kernels []core.Kernel) fusioncache.Entry {
	spans := make([]fusioncache.KernelSpan, len(kernels))
	for i, k := range kernels {
		idx := make([]uint32, len(k.InstrIndexes))
		for j, v := range k.InstrIndexes {
			idx[j] = uint32(v)
		}
		spans[i] = fusioncache.KernelSpan{InstrIndexes: idx, NumTemps: uint16(len(k.TempList))}
	}
	return fusioncache.Entry{ModelName: modelName, Hash: hash, Kernels: spans}
}

func rebind(entry fusioncache.Entry, batch *core.Batch) ([]core.Kernel, error) {
	kernels := make([]core.Kernel, len(entry.Kernels))
	for i, span := range entry.Kernels {
		idx := make([]int, len(span.InstrIndexes))
		for j, v := range span.InstrIndexes {
			if int(v) >= len(batch.InstrList) {
				return nil, vecerr.New(vecerr.KindInternalInvariant, "cached kernel index out of range for batch")
			}
			idx[j] = int(v)
		}
		kernels[i] = core.Kernel{InstrIndexes: idx}
	}
	return kernels, nil
}
