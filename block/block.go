// Package block implements the loop-nest intermediate representation a
// planned Kernel is lowered into before code generation: a tree of nested
// Loops with Instruction leaves (Sweeps), plus the transformation passes
// that reshape that tree without changing its meaning.
//
// The tree-of-levels shape generalizes a flat Kahn's-algorithm dependency
// level grouping into genuine nesting, and CollapseRedundantAxes' producer/
// consumer walk mirrors a shape-matching push-reductions-inwards pass to
// find a sweep's innermost eligible loop.
package block

import (
	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/vecerr"
)

// Block is either a Sweep leaf (one instruction, executed once per outer
// iteration) or a Loop with nested Blocks.
type Block struct {
	Sweep *core.Instruction // non-nil for a leaf
	Loop  *Loop             // non-nil for an interior node
}

// Loop iterates axis Rank of the enclosing iteration space Size times,
// running every child Block once per iteration. Sweeps names every
// original operand axis this node is responsible for walking: a freshly
// built Loop sweeps only its own Rank, but CollapseRedundantAxes folds a
// parent/child pair's Sweeps together when it merges their axes into one
// loop, so Validate can still confirm the merged node accounts for every
// axis it claims to cover.
type Loop struct {
	Rank   int
	Size   int64
	Blocks []Block
	Sweeps []int
}

// leafSweep builds a leaf Block wrapping a single instruction.
func leafSweep(ins core.Instruction) Block { return Block{Sweep: &ins} }

// CreateNestedBlock builds the initial loop-nest for a straight-line
// instruction list: one Loop per axis of the widest operand shape among
// the instructions, with every instruction placed at the innermost level,
// which is always semantically valid (it is exactly SIJ-per-instruction
// nesting) even before any transformation pass runs.
func CreateNestedBlock(instrs []core.Instruction) Block {
	rank := 0
	var shape []int64
	for _, ins := range instrs {
		for _, op := range ins.Operands {
			if core.IsConstant(op) {
				continue
			}
			if op.NDim > rank {
				rank = op.NDim
				shape = op.Shape
			}
		}
	}
	if rank == 0 {
		// All-scalar kernel: a single degenerate loop of size 1 around the
		// sweeps, so the tree shape stays uniform for downstream passes.
		leaves := make([]Block, len(instrs))
		for i, ins := range instrs {
			leaves[i] = leafSweep(ins)
		}
		return Block{Loop: &Loop{Rank: 0, Size: 1, Blocks: leaves, Sweeps: []int{0}}}
	}

	leaves := make([]Block, len(instrs))
	for i, ins := range instrs {
		leaves[i] = leafSweep(ins)
	}
	body := Block{Loop: &Loop{Rank: rank - 1, Size: shape[rank-1], Blocks: leaves, Sweeps: []int{rank - 1}}}
	for r := rank - 2; r >= 0; r-- {
		body = Block{Loop: &Loop{Rank: r, Size: shape[r], Blocks: []Block{body}, Sweeps: []int{r}}}
	}
	return body
}

// treeRank returns the total iteration rank of b: one more than the
// largest axis any Loop node in the tree names, the rank every operand's
// per-axis address terms are aligned against (numpy-style, right-aligned
// on the trailing axes, matching core.SimplifyToShape's broadcast rule).
func treeRank(b Block) int {
	max := -1
	var walk func(Block)
	walk = func(n Block) {
		if n.Sweep != nil {
			return
		}
		if n.Loop.Rank > max {
			max = n.Loop.Rank
		}
		for _, c := range n.Loop.Blocks {
			walk(c)
		}
	}
	walk(b)
	return max + 1
}

// containsRank reports whether rank appears in ranks.
func containsRank(ranks []int, rank int) bool {
	for _, r := range ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// Validate checks structural invariants of a Block tree: every Loop has
// at least one child, no Block is simultaneously a Sweep and a Loop (or
// neither), Rank never decreases with nesting depth (a threading split
// nests a loop inside a sibling of the same rank; genuine axis nesting
// always increases it), and every Loop's Sweeps set actually accounts for
// the axis its own Rank names.
func Validate(b Block) error {
	return validateAt(b, -1)
}

func validateAt(b Block, parentRank int) error {
	switch {
	case b.Sweep != nil && b.Loop != nil:
		return vecerr.New(vecerr.KindInternalInvariant, "block is both sweep and loop")
	case b.Sweep == nil && b.Loop == nil:
		return vecerr.New(vecerr.KindInternalInvariant, "block is neither sweep nor loop")
	case b.Sweep != nil:
		return nil
	}
	if b.Loop.Rank < parentRank {
		return vecerr.New(vecerr.KindInternalInvariant, "loop rank decreases with nesting depth")
	}
	if len(b.Loop.Blocks) == 0 {
		return vecerr.New(vecerr.KindInternalInvariant, "loop has no children")
	}
	if !containsRank(b.Loop.Sweeps, b.Loop.Rank) {
		return vecerr.New(vecerr.KindInternalInvariant, "loop sweep axes disagree with loop rank")
	}
	for _, child := range b.Loop.Blocks {
		if err := validateAt(child, b.Loop.Rank); err != nil {
			return err
		}
	}
	return nil
}

// axisOffset returns how many leading (broadcast-narrower) global axes v
// doesn't participate in, i.e. the numpy-style right-alignment offset
// between v's own Shape/Stride slots and the tree's global axis ranks.
func axisOffset(v core.View, totalRank int) int {
	return totalRank - v.NDim
}

// localAxis maps a global axis rank onto v's own Shape/Stride index,
// reporting ok=false when v doesn't span that axis at all.
func localAxis(v core.View, rank, totalRank int) (int, bool) {
	off := axisOffset(v, totalRank)
	la := rank - off
	if la < 0 || la >= v.NDim {
		return 0, false
	}
	return la, true
}

// CollectInstructions returns every Sweep instruction in b's subtree, in
// tree walk order, reflecting whatever axis merges or swaps prior
// transformation passes applied to their operand Views. Callers building
// a symbol table or generating code from a finished tree should always
// pull instructions through here rather than reusing the original
// pre-transform slice, since CollapseRedundantAxes and SwapAxis rebuild
// each Sweep's Instruction rather than mutating the original in place.
func CollectInstructions(b Block) []core.Instruction {
	var out []core.Instruction
	for _, ins := range collectSweeps(b) {
		out = append(out, *ins)
	}
	return out
}

// collectSweeps gathers every Sweep instruction pointer in b's subtree.
func collectSweeps(b Block) []*core.Instruction {
	if b.Sweep != nil {
		return []*core.Instruction{b.Sweep}
	}
	var out []*core.Instruction
	for _, c := range b.Loop.Blocks {
		out = append(out, collectSweeps(c)...)
	}
	return out
}

// SwapAxis exchanges the two named axes: every non-constant operand of
// every instruction in the tree has its Shape/Stride entries at rankA and
// rankB transposed, and every Loop node at rankA or rankB takes the other
// axis' original iteration size to match. Loop ranks and Sweeps are left
// as they were, so the tree keeps its rank-per-depth nesting and still
// passes Validate.
func SwapAxis(b Block, rankA, rankB int) Block {
	if rankA == rankB {
		return b
	}
	totalRank := treeRank(b)
	sizeAt := map[int]int64{}
	collectLoopSizes(b, sizeAt)
	return swapAxis(b, rankA, rankB, totalRank, sizeAt)
}

func collectLoopSizes(b Block, out map[int]int64) {
	if b.Sweep != nil {
		return
	}
	if _, ok := out[b.Loop.Rank]; !ok {
		out[b.Loop.Rank] = b.Loop.Size
	}
	for _, c := range b.Loop.Blocks {
		collectLoopSizes(c, out)
	}
}

func swappedRank(rank, rankA, rankB int) int {
	switch rank {
	case rankA:
		return rankB
	case rankB:
		return rankA
	default:
		return rank
	}
}

func swapAxis(b Block, rankA, rankB, totalRank int, sizeAt map[int]int64) Block {
	if b.Sweep != nil {
		ins := swapInstructionAxes(*b.Sweep, rankA, rankB, totalRank)
		return Block{Sweep: &ins}
	}
	children := make([]Block, len(b.Loop.Blocks))
	for i, c := range b.Loop.Blocks {
		children[i] = swapAxis(c, rankA, rankB, totalRank, sizeAt)
	}
	newSize := b.Loop.Size
	if other := swappedRank(b.Loop.Rank, rankA, rankB); other != b.Loop.Rank {
		if sz, ok := sizeAt[other]; ok {
			newSize = sz
		}
	}
	return Block{Loop: &Loop{Rank: b.Loop.Rank, Size: newSize, Blocks: children, Sweeps: b.Loop.Sweeps}}
}

func swapInstructionAxes(ins core.Instruction, rankA, rankB, totalRank int) core.Instruction {
	out := ins
	out.Operands = make([]core.View, len(ins.Operands))
	for i, op := range ins.Operands {
		out.Operands[i] = swapViewAxes(op, rankA, rankB, totalRank)
	}
	return out
}

func swapViewAxes(v core.View, rankA, rankB, totalRank int) core.View {
	if core.IsConstant(v) || v.NDim == 0 {
		return v
	}
	la, okA := localAxis(v, rankA, totalRank)
	lb, okB := localAxis(v, rankB, totalRank)
	if !okA || !okB {
		return v
	}
	shape := append([]int64(nil), v.Shape...)
	stride := append([]int64(nil), v.Stride...)
	shape[la], shape[lb] = shape[lb], shape[la]
	stride[la], stride[lb] = stride[lb], stride[la]
	out := v
	out.Shape = shape
	out.Stride = stride
	return out
}

// isReduction reports whether ins accumulates into an operand narrower
// than its input, the shape of any reduce-family opcode: a scalar or
// lower-rank write view fed by a higher-rank read.
func isReduction(ins core.Instruction) bool {
	if len(ins.Operands) < 2 {
		return false
	}
	out := ins.Operands[0]
	for _, in := range ins.Operands[1:] {
		if core.IsConstant(in) {
			continue
		}
		if in.NDim > out.NDim {
			return true
		}
	}
	return false
}

// PushReductionsInwards moves reduction sweeps to the innermost loop level
// of the tree, so a reduction's accumulator stays live in a register (or
// the innermost scratch slot) across the whole reduction rather than being
// flushed to memory once per outer iteration.
func PushReductionsInwards(b Block) Block {
	if b.Sweep != nil {
		return b
	}
	var reductions, rest []Block
	var innerChildren []Block
	for _, c := range b.Loop.Blocks {
		c = PushReductionsInwards(c)
		if c.Sweep != nil && isReduction(*c.Sweep) {
			reductions = append(reductions, c)
			continue
		}
		if c.Loop != nil {
			innerChildren = append(innerChildren, c)
			continue
		}
		rest = append(rest, c)
	}
	if len(innerChildren) == 1 && innerChildren[0].Loop != nil && len(reductions) > 0 {
		inner := innerChildren[0]
		inner.Loop.Blocks = append(inner.Loop.Blocks, reductions...)
		rest = append(rest, PushReductionsInwards(inner))
		reductions = nil
	} else {
		rest = append(append(rest, innerChildren...), reductions...)
	}
	return Block{Loop: &Loop{Rank: b.Loop.Rank, Size: b.Loop.Size, Blocks: rest, Sweeps: b.Loop.Sweeps}}
}

// hasDirectReductionLeaf reports whether any of loop's own children is a
// reduction sweep: an instruction leaf accumulating into an operand
// narrower than its input. Such a leaf's correctness depends on loop's
// full iteration range running as one accumulation; splitting that range
// into independent chunks would produce partial sums with no combining
// step to merge them back, so loop itself can never be the threadable
// group split_for_threading hands to separate workers.
func hasDirectReductionLeaf(loop *Loop) bool {
	for _, c := range loop.Blocks {
		if c.Sweep != nil && isReduction(*c.Sweep) {
			return true
		}
	}
	return false
}

// maxOperandElements returns the largest single-operand element count
// among every instruction loop's subtree touches, the "maximum operand
// element count" split_for_threading gates splitting on: a loop whose
// biggest operand is smaller than minThreading isn't worth the goroutine
// dispatch overhead a chunked split would add.
func maxOperandElements(loop *Loop) int64 {
	var max int64
	for _, ins := range collectSweeps(Block{Loop: loop}) {
		for _, op := range ins.Operands {
			if core.IsConstant(op) {
				continue
			}
			if n := core.NElements(op); n > max {
				max = n
			}
		}
	}
	return max
}

// SplitForThreading walks the tree top-down and, for every loop whose
// largest operand exceeds minThreading and whose nesting path hasn't
// already used up workers independent splits, divides that loop's own
// iteration range into up to workers contiguous, non-overlapping sibling
// chunks (the threadable group) — unless the loop directly carries a
// reduction sweep (a sweeped, non-threadable loop in spec terms), in
// which case it is left whole and only its non-reduction children get a
// chance to split on the next recursion. curThreading is recursion-only
// state, incremented every time a loop actually gets chunked, tracking
// how many nested axes are already claimed by a previous split so the
// pass never spreads one kernel across more independent parallel
// dimensions than there are workers to run them on.
func SplitForThreading(b Block, minThreading int64, workers int) Block {
	return splitForThreading(b, minThreading, workers, 0)
}

func splitForThreading(b Block, minThreading int64, workers, curThreading int) Block {
	if b.Sweep != nil || workers <= 1 {
		return b
	}
	split := curThreading < workers && maxOperandElements(b.Loop) > minThreading &&
		!hasDirectReductionLeaf(b.Loop) && b.Loop.Size >= int64(workers)
	next := curThreading
	if split {
		next++
	}
	children := make([]Block, len(b.Loop.Blocks))
	for i, c := range b.Loop.Blocks {
		children[i] = splitForThreading(c, minThreading, workers, next)
	}
	loop := &Loop{Rank: b.Loop.Rank, Size: b.Loop.Size, Blocks: children, Sweeps: b.Loop.Sweeps}

	if !split {
		return Block{Loop: loop}
	}
	return chunkLoop(loop, workers)
}

// chunkLoop divides loop's Size range into up to workers contiguous
// sibling Loops sharing loop's body, the same shape SplitForThreading has
// always produced for a genuinely threadable loop.
func chunkLoop(loop *Loop, workers int) Block {
	if loop.Size < int64(workers) {
		return Block{Loop: loop}
	}
	chunk := loop.Size / int64(workers)
	remainder := loop.Size % int64(workers)

	splits := make([]Block, 0, workers)
	start := int64(0)
	for i := 0; i < workers && start < loop.Size; i++ {
		size := chunk
		if int64(i) < remainder {
			size++
		}
		if size == 0 {
			continue
		}
		splits = append(splits, Block{Loop: &Loop{Rank: loop.Rank, Size: size, Blocks: loop.Blocks, Sweeps: loop.Sweeps}})
		start += size
	}
	if len(splits) <= 1 {
		return Block{Loop: loop}
	}
	return Block{Loop: &Loop{Rank: loop.Rank, Size: loop.Size, Blocks: splits, Sweeps: loop.Sweeps}}
}

// CollapseRedundantAxes removes loop levels that add generated-code
// overhead without changing which memory a kernel touches. A Loop of
// Size 1 is spliced out entirely: every operand's Shape at that axis is
// already 1, so no index term it could contribute is ever nonzero. A
// parent whose only child is a single nested Loop is folded into that
// child whenever every operand proves the two axes are already laid out
// contiguously with respect to each other
// (view.Shape[child]*view.Stride[child]==view.Stride[parent]): the merged
// node inherits the child's finer stride and a Shape equal to the product
// of both sizes, and the now-redundant child axis slot on every operand
// is zeroed so it contributes nothing if ever read again.
func CollapseRedundantAxes(b Block) Block {
	totalRank := treeRank(b)
	return collapseAxes(b, totalRank)
}

func collapseAxes(b Block, totalRank int) Block {
	if b.Sweep != nil {
		ins := *b.Sweep
		ins.Operands = append([]core.View(nil), ins.Operands...)
		return Block{Sweep: &ins}
	}
	children := make([]Block, 0, len(b.Loop.Blocks))
	for _, c := range b.Loop.Blocks {
		children = append(children, collapseAxes(c, totalRank))
	}

	var spliced []Block
	for _, c := range children {
		if c.Loop != nil && c.Loop.Size == 1 {
			spliced = append(spliced, c.Loop.Blocks...)
			continue
		}
		spliced = append(spliced, c)
	}

	merged := &Loop{Rank: b.Loop.Rank, Size: b.Loop.Size, Blocks: spliced, Sweeps: b.Loop.Sweeps}

	if len(spliced) == 1 && spliced[0].Loop != nil {
		child := spliced[0].Loop
		if mergeAxesConsistent(merged, child, totalRank) {
			mergeLoopAxes(merged, child, totalRank)
			merged.Size = merged.Size * child.Size
			merged.Blocks = child.Blocks
			merged.Sweeps = append(append([]int{}, merged.Sweeps...), child.Sweeps...)
		}
	}
	return Block{Loop: merged}
}

// mergeAxesConsistent checks, for every operand of every instruction
// nested under child, that parent's axis and child's axis are physically
// adjacent: child's shape times its stride equals parent's stride, the
// condition under which flattening the two loops into one changes nothing
// about which elements get visited or in what order.
func mergeAxesConsistent(parent, child *Loop, totalRank int) bool {
	for _, ins := range collectSweeps(Block{Loop: child}) {
		for _, op := range ins.Operands {
			if core.IsConstant(op) || op.NDim == 0 {
				continue
			}
			pa, okP := localAxis(op, parent.Rank, totalRank)
			ca, okC := localAxis(op, child.Rank, totalRank)
			if !okP || !okC {
				continue
			}
			if op.Shape[ca]*op.Stride[ca] != op.Stride[pa] {
				return false
			}
		}
	}
	return true
}

func mergeLoopAxes(parent, child *Loop, totalRank int) {
	mergedSize := parent.Size * child.Size
	for _, ins := range collectSweeps(Block{Loop: child}) {
		for i := range ins.Operands {
			op := &ins.Operands[i]
			if core.IsConstant(*op) || op.NDim == 0 {
				continue
			}
			pa, okP := localAxis(*op, parent.Rank, totalRank)
			ca, okC := localAxis(*op, child.Rank, totalRank)
			if !okP || !okC {
				continue
			}
			shape := append([]int64(nil), op.Shape...)
			stride := append([]int64(nil), op.Stride...)
			stride[pa] = stride[ca]
			shape[pa] = mergedSize
			shape[ca] = 1
			stride[ca] = 0
			op.Shape = shape
			op.Stride = stride
		}
	}
}
