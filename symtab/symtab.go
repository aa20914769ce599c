// Package symtab implements the symbol table and array contraction pass
// that runs on a planned Kernel just before code generation: every live
// operand gets a dense id and a storage-layout classification the code
// generator uses to pick a walker specialization and argument-unpacking
// strategy.
//
// Operands are classified by storage class ahead of emission so the
// generator can specialize per class rather than emitting one generic
// (and much slower) code path for every operand.
package symtab

import (
	"fmt"

	"github.com/vecrt/vecrt/core"
)

// Layout classifies how a View's elements sit in memory, from cheapest to
// address (a compile-time constant) to most expensive (arbitrary strides).
type Layout int

const (
	ScalarConst Layout = iota
	ScalarTemp
	Scalar
	Contractable
	Contiguous
	Consecutive
	Strided
	Sparse
)

func (l Layout) String() string {
	names := [...]string{
		"ScalarConst", "ScalarTemp", "Scalar", "Contractable",
		"Contiguous", "Consecutive", "Strided", "Sparse",
	}
	if int(l) < len(names) {
		return names[l]
	}
	return "Unknown"
}

// Symbol is one entry of the SymbolTable: a dense id, the operand it
// stands for, and its classified Layout.
type Symbol struct {
	ID     int
	View   core.View
	Layout Layout
}

// SymbolTable maps each live operand appearing in a kernel's instructions
// to a Symbol. Capacity is pre-sized to roughly 6 symbols per instruction
// plus 2, matching a kernel's typical operand fan-out (output, up to 3
// inputs, base/stride/offset bookkeeping per operand).
type SymbolTable struct {
	byView map[string]int
	syms   []Symbol
}

// viewKey returns a canonical string identity for a View suitable as a
// map key — Views themselves are not comparable (Shape/Stride are
// slices), so interning keys off Base identity plus start/shape/stride,
// or off the raw constant bytes for constants.
func viewKey(v core.View) string {
	if core.IsConstant(v) {
		return fmt.Sprintf("const:%d:%x", v.Const.DType, v.Const.Raw)
	}
	return fmt.Sprintf("%p:%d:%d:%v:%v", v.Base, v.DType(), v.Start, v.Shape, v.Stride)
}

// Build constructs a SymbolTable for instrs, classifying every operand's
// Layout. instrs is taken post block-tree construction (and, in
// particular, post CollapseRedundantAxes), so the Shape/Stride each
// operand carries here is exactly what the code generator will address
// against. isTemp reports whether a Base belongs to the kernel's private
// TempList (candidates for contraction); it is nil-safe (a nil isTemp
// treats nothing as temp).
func Build(instrs []core.Instruction, isTemp func(*core.Base) bool) *SymbolTable {
	st := &SymbolTable{byView: map[string]int{}}
	st.syms = make([]Symbol, 0, 6*len(instrs)+2)

	for _, ins := range instrs {
		for _, op := range ins.Operands {
			st.intern(op, isTemp)
		}
	}
	return st
}

func (st *SymbolTable) intern(v core.View, isTemp func(*core.Base) bool) int {
	key := viewKey(v)
	if id, ok := st.byView[key]; ok {
		return id
	}
	id := len(st.syms)
	sym := Symbol{ID: id, View: v, Layout: classify(v, isTemp)}
	st.syms = append(st.syms, sym)
	st.byView[key] = id
	return id
}

// Lookup returns the Symbol for v, if v has been interned.
func (st *SymbolTable) Lookup(v core.View) (Symbol, bool) {
	id, ok := st.byView[viewKey(v)]
	if !ok {
		return Symbol{}, false
	}
	return st.syms[id], true
}

// Symbols returns every interned Symbol in id order.
func (st *SymbolTable) Symbols() []Symbol {
	return st.syms
}

func classify(v core.View, isTemp func(*core.Base) bool) Layout {
	if core.IsConstant(v) {
		return ScalarConst
	}
	if isTemp != nil && isTemp(v.Base) {
		if core.IsScalar(v) {
			return ScalarTemp
		}
	}
	if core.IsScalar(v) {
		return Scalar
	}
	simplified := core.Simplify(v)
	if isTemp != nil && isTemp(v.Base) && simplified.NDim == 1 {
		return Contractable
	}
	if isContiguous(simplified) {
		return Contiguous
	}
	if isConsecutive(simplified) {
		return Consecutive
	}
	if hasSparseGaps(simplified) {
		return Sparse
	}
	return Strided
}

// isContiguous reports whether the view, after Simplify, addresses one
// unbroken run of elements: rank 1 with unit stride, or rank 0 (already
// scalar).
func isContiguous(v core.View) bool {
	return v.NDim <= 1 && (v.NDim == 0 || v.Stride[0] == 1)
}

// isConsecutive reports whether every axis' stride matches the product of
// the inner axes' shapes, i.e. it is C-contiguous multi-dimensionally
// even though Simplify could not merge it into rank 1 (which only happens
// when Simplify itself has a bug, so isConsecutive is really the multi-
// axis generalization Simplify's merge rule already computes per pair).
func isConsecutive(v core.View) bool {
	if v.NDim == 0 {
		return true
	}
	expected := int64(1)
	for i := v.NDim - 1; i >= 0; i-- {
		if v.Stride[i] != expected {
			return false
		}
		expected *= v.Shape[i]
	}
	return true
}

// hasSparseGaps reports whether the view's total addressed byte span is
// more than 4x its logical element count times element size — a coarse
// heuristic separating "strided but dense enough to walk directly"
// (Strided) from "so sparse a gather/scatter path pays off" (Sparse).
func hasSparseGaps(v core.View) bool {
	if v.NDim == 0 {
		return false
	}
	span := int64(1)
	for i := 0; i < v.NDim; i++ {
		extent := v.Shape[i] * abs64(v.Stride[i])
		if extent > span {
			span = extent
		}
	}
	return span > 4*core.NElements(v)
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// Contract marks every operand view whose Base belongs to kernel's
// TempList as Contractable when it is a rank-1 (post-Simplify) temp that
// never escapes the kernel, so the code generator can allocate it as a
// stack/register scalar in the innermost loop rather than as a full Base
// through the allocator.
func Contract(st *SymbolTable, kernel core.Kernel) {
	temps := make(map[*core.Base]bool, len(kernel.TempList))
	for _, t := range kernel.TempList {
		temps[t] = true
	}
	for i, sym := range st.syms {
		if core.IsConstant(sym.View) || sym.Layout == ScalarConst {
			continue
		}
		if !temps[sym.View.Base] {
			continue
		}
		simplified := core.Simplify(sym.View)
		if core.IsScalar(sym.View) {
			st.syms[i].Layout = ScalarTemp
		} else if simplified.NDim == 1 {
			st.syms[i].Layout = Contractable
		}
	}
}
