package engine

import (
	"encoding/binary"
	"hash/fnv"
	"unsafe"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/symtab"
)

// structuralHash identifies the C source a kernel's instruction list would
// generate, independent of which live Bases its operands happen to be
// bound to this time — the same structural notion fusioncache.Hash uses
// for planning, recomputed here over just the instructions in one kernel
// so objstore can recognize "this generated source already exists" across
// batches that reuse the same kernel shape.
func structuralHash(instrs []core.Instruction) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, ins := range instrs {
		binary.LittleEndian.PutUint16(buf[:2], ins.Opcode)
		_, _ = h.Write(buf[:2])
		for _, op := range ins.Operands {
			binary.LittleEndian.PutUint16(buf[:2], uint16(op.DType()))
			_, _ = h.Write(buf[:2])
			binary.LittleEndian.PutUint16(buf[:2], uint16(op.NDim))
			_, _ = h.Write(buf[:2])
			for _, s := range op.Stride {
				binary.LittleEndian.PutUint64(buf[:8], uint64(s))
				_, _ = h.Write(buf[:8])
			}
		}
	}
	return h.Sum64()
}

// symbolHash identifies the argument order and parameter kinds the code
// generator committed to for a symbol table, so two kernels with the same
// instructions but a different symbol interning order (and therefore a
// different generated signature) never share an object store entry.
func symbolHash(st *symtab.SymbolTable) uint64 {
	h := fnv.New64a()
	for _, sym := range st.Symbols() {
		var buf [8]byte
		binary.LittleEndian.PutUint16(buf[:2], uint16(sym.Layout))
		_, _ = h.Write(buf[:2])
		binary.LittleEndian.PutUint16(buf[:2], uint16(sym.View.DType()))
		_, _ = h.Write(buf[:2])
	}
	return h.Sum64()
}

// buildArgs constructs the `void **args` slice a generated entry function
// indexes into, sized to the highest symtab.Symbol.ID plus one and
// indexed directly by ID — not by a separate positional parameter
// convention — so codegen.Emitter never has to renumber IDs around
// whichever symbols this kernel happened to contract into locals.
// Contractable and ScalarTemp symbols get a nil slot (the generated code
// never reads args at their id); Scalar/ScalarConst symbols get a
// pointer to their raw encoded value; everything else gets a pointer to
// the first byte its View addresses.
func buildArgs(st *symtab.SymbolTable) []unsafe.Pointer {
	syms := st.Symbols()
	args := make([]unsafe.Pointer, len(syms))
	for _, sym := range syms {
		switch sym.Layout {
		case symtab.Contractable, symtab.ScalarTemp:
			continue
		case symtab.ScalarConst:
			args[sym.ID] = unsafe.Pointer(&sym.View.Const.Raw[0])
		default:
			args[sym.ID] = basePointer(sym.View)
		}
	}
	return args
}

func basePointer(v core.View) unsafe.Pointer {
	if v.Base == nil || len(v.Base.Data) == 0 {
		return nil
	}
	offset := v.Start * v.DType().Size()
	return unsafe.Pointer(&v.Base.Data[offset])
}
