package core

// ConstValue holds an inline scalar operand — the "constant" side of a View
// that has no backing Base. Raw carries the little-endian byte encoding of
// the value at DType's size.
type ConstValue struct {
	DType DType
	Raw   [16]byte
}

// View addresses a strided N-dimensional slice of a Base, or stands for an
// inline constant when Base is nil. Start, Shape and Stride are all in
// units of elements, generalizing fixed-topology dual-buffer addressing to
// arbitrary rank.
type View struct {
	Base   *Base
	NDim   int
	Start  int64
	Shape  []int64
	Stride []int64
	Const  ConstValue
}

// NewConstView builds a scalar constant view carrying no Base.
func NewConstView(dtype DType, raw [16]byte) View {
	return View{NDim: 0, Const: ConstValue{DType: dtype, Raw: raw}}
}

// DType returns the element type of the view, whether backed or constant.
func (v View) DType() DType {
	if v.Base == nil {
		return v.Const.DType
	}
	return v.Base.DType
}

// IsConstant reports whether v has no backing Base.
func IsConstant(v View) bool { return v.Base == nil }

// IsScalar reports whether v addresses exactly one element.
func IsScalar(v View) bool {
	if IsConstant(v) {
		return true
	}
	return NElements(v) == 1
}

// NElements returns the number of elements v addresses, counting
// broadcast (zero-stride) axes once per repetition — i.e. the logical
// output size of an operation that reads or writes v.
func NElements(v View) int64 {
	if IsConstant(v) {
		return 1
	}
	if v.NDim == 0 {
		return 1
	}
	n := int64(1)
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// NElementsNoBcast returns the number of elements v addresses, treating
// zero-stride (broadcast) axes as contributing a single element rather
// than their full shape — the count of *distinct memory locations* v
// touches, used by the allocator to size a Base rather than an operation's
// iteration space.
func NElementsNoBcast(v View) int64 {
	if IsConstant(v) {
		return 1
	}
	if v.NDim == 0 {
		return 1
	}
	n := int64(1)
	for i, s := range v.Shape {
		if v.Stride[i] == 0 {
			continue
		}
		n *= s
	}
	return n
}

// Simplify returns an equivalent view with unit-shape axes dropped and
// consecutive contiguous axes merged (shape[i]*stride[i] == stride[i-1]),
// reducing rank without changing the addressed element set. Broadcast
// (zero-stride) axes are never merged into neighbors, since merging would
// change which elements alias.
func Simplify(v View) View {
	if IsConstant(v) || v.NDim <= 1 {
		return v
	}
	shape := make([]int64, 0, v.NDim)
	stride := make([]int64, 0, v.NDim)
	for i := 0; i < v.NDim; i++ {
		if v.Shape[i] == 1 {
			continue
		}
		shape = append(shape, v.Shape[i])
		stride = append(stride, v.Stride[i])
	}
	// Merge from the outermost axis inward: the run ending at axis i-1
	// absorbs axis i when the two are contiguous and neither is a broadcast
	// axis.
	out := View{Base: v.Base, Start: v.Start}
	for i := 0; i < len(shape); {
		s, st := shape[i], stride[i]
		j := i + 1
		for j < len(shape) && stride[j-1] != 0 && shape[j]*stride[j] == stride[j-1] {
			s *= shape[j]
			st = stride[j]
			j++
		}
		out.Shape = append(out.Shape, s)
		out.Stride = append(out.Stride, st)
		i = j
	}
	out.NDim = len(out.Shape)
	if out.NDim == 0 {
		out.NDim = 1
		out.Shape = []int64{1}
		out.Stride = []int64{0}
	}
	return out
}

// SimplifyToShape right-aligns Simplify(v)'s axes against target: an axis
// equal to the target's keeps its stride, and a shape-1 axis or a missing
// leading axis broadcasts via a zero stride. It reports ok=false for any
// other mismatch, including a target with the same element count but a
// different factorisation (no reshape is done).
func SimplifyToShape(v View, target []int64) (out View, ok bool) {
	if IsConstant(v) {
		out = v
		out.NDim = len(target)
		out.Shape = append([]int64(nil), target...)
		out.Stride = make([]int64, len(target))
		return out, true
	}
	simplified := Simplify(v)
	// Right-align v's axes against target, matching numpy-style broadcast.
	shape := make([]int64, len(target))
	stride := make([]int64, len(target))
	offset := len(target) - simplified.NDim
	if offset < 0 {
		return View{}, false
	}
	for i := 0; i < offset; i++ {
		shape[i] = target[i]
		stride[i] = 0
	}
	for i := 0; i < simplified.NDim; i++ {
		ti := offset + i
		switch {
		case simplified.Shape[i] == target[ti]:
			shape[ti] = target[ti]
			stride[ti] = simplified.Stride[i]
		case simplified.Shape[i] == 1:
			shape[ti] = target[ti]
			stride[ti] = 0
		default:
			return View{}, false
		}
	}
	out = View{Base: v.Base, Start: v.Start, NDim: len(target), Shape: shape, Stride: stride}
	return out, true
}

// ViewSame reports whether a and b address exactly the same elements of
// the same Base via identical start/shape/stride, i.e. they are
// interchangeable as operands.
func ViewSame(a, b View) bool {
	if IsConstant(a) != IsConstant(b) {
		return false
	}
	if IsConstant(a) {
		return a.Const == b.Const
	}
	if a.Base != b.Base || a.Start != b.Start || a.NDim != b.NDim {
		return false
	}
	for i := 0; i < a.NDim; i++ {
		if a.Shape[i] != b.Shape[i] || a.Stride[i] != b.Stride[i] {
			return false
		}
	}
	return true
}

// ViewAligned reports whether a and b have the same logical shape (after
// simplification) and so can serve as co-iterated operands of the same
// elementwise instruction, regardless of underlying base or stride.
func ViewAligned(a, b View) bool {
	sa, sb := Simplify(a), Simplify(b)
	if sa.NDim != sb.NDim {
		return false
	}
	for i := 0; i < sa.NDim; i++ {
		if sa.Shape[i] != sb.Shape[i] {
			return false
		}
	}
	return true
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ViewDisjoint conservatively reports whether a and b are guaranteed to
// never address the same byte of storage. It must never return true for
// views that actually overlap; when it cannot prove disjointness it
// returns false, the safe (dependency-preserving) answer.
//
// Views over different Bases are always disjoint (distinct allocations).
// Views over the same Base are tested axis-by-axis with a GCD bound on
// the reachable offsets, the standard conservative interval test: if the
// two views' element ranges, projected onto a single axis's stride
// lattice, cannot share a residue class, they cannot alias.
func ViewDisjoint(a, b View) bool {
	if IsConstant(a) || IsConstant(b) {
		return false
	}
	if a.Base != b.Base {
		return true
	}
	// Degenerate: either view addresses zero elements.
	if NElements(a) == 0 || NElements(b) == 0 {
		return true
	}
	loA, hiA := viewByteRange(a)
	loB, hiB := viewByteRange(b)
	if hiA <= loB || hiB <= loA {
		return true
	}
	// Ranges overlap in the byte-extent sense; fall back to a GCD lattice
	// check to catch strided-non-overlap cases the coarse bound misses
	// (e.g. even vs odd elements of the same array). Every stride of both
	// views folds into g, not just the axes they share: a's addresses are
	// only ever offset by multiples of gcd(a.Stride...), so any axis
	// beyond b's rank still constrains which residues a can reach, and
	// dropping it can make g artificially large and mask real overlap.
	g := int64(0)
	for i := 0; i < a.NDim; i++ {
		g = gcd(g, a.Stride[i])
	}
	for i := 0; i < b.NDim; i++ {
		g = gcd(g, b.Stride[i])
	}
	if g == 0 {
		return false
	}
	diff := (a.Start - b.Start) % g
	if diff != 0 {
		return true
	}
	return false
}

func viewByteRange(v View) (lo, hi int64) {
	elemSize := v.DType().Size()
	lo, hi = v.Start, v.Start
	for i := 0; i < v.NDim; i++ {
		if v.Stride[i] >= 0 {
			hi += (v.Shape[i] - 1) * v.Stride[i]
		} else {
			lo += (v.Shape[i] - 1) * v.Stride[i]
		}
	}
	lo *= elemSize
	hi = (hi + 1) * elemSize
	return lo, hi
}

// Instruction is a fixed-arity opcode application over operand views. The
// first operand is conventionally the output/write target.
type Instruction struct {
	Opcode   uint16
	Operands []View
}

// writeView returns operand 0 of ins, its write target (a zero View when
// ins has no operands). This is a
// simplification of the real per-opcode write-set (some opcodes write more
// than one operand); callers with such opcodes should call InstrDependency
// per write operand explicitly.
func (ins Instruction) writeView() View {
	if len(ins.Operands) == 0 {
		return View{}
	}
	return ins.Operands[0]
}

// InstrDependency reports whether instructions a and b must execute in
// their given relative order: true if either writes to storage the other
// reads or writes. The relation is symmetric — dependency ordering only
// cares that a hazard exists, not its direction — and conservative,
// deferring to ViewDisjoint's conservative answer for storage overlap.
func InstrDependency(a, b Instruction) bool {
	wa := a.writeView()
	wb := b.writeView()
	if !IsConstant(wa) && !IsConstant(wb) && !ViewDisjoint(wa, wb) {
		return true
	}
	for _, ra := range a.Operands {
		if IsConstant(ra) {
			continue
		}
		if !IsConstant(wb) && !ViewDisjoint(ra, wb) {
			return true
		}
	}
	for _, rb := range b.Operands {
		if IsConstant(rb) {
			continue
		}
		if !IsConstant(wa) && !ViewDisjoint(wa, rb) {
			return true
		}
	}
	return false
}
