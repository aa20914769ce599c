// Package vecrt implements a deferred-execution array computing runtime:
// array operations build up a Batch of instructions over Views instead of
// running immediately, a fusion planner partitions the batch into Kernels
// that a single compiled function can execute, and the code generator turns
// each Kernel into a loop nest a C compiler lowers to a native object the
// object store caches by structural hash.
//
// # Architecture Overview
//
// The runtime consists of several key components:
//
//   - core: Views, Bases and Instructions — the view algebra a program
//     builds up instead of eagerly computing results
//   - fusioncache: structural-hash-keyed store of previously planned kernel
//     partitions, so a repeated batch shape skips replanning
//   - planner: the fusion model (a may_fuse predicate) that partitions a
//     batch's instructions into Kernels
//   - block: the loop-nest IR a Kernel lowers to, and the transformation
//     passes (thread splitting, redundant-axis collapse) that run over it
//   - symtab: per-kernel symbol table construction and array contraction
//     (marking temporaries that never need backing storage)
//   - codegen: the C emitter that turns a symbol table and
//     loop-block tree into a compilable translation unit
//   - objstore: compiles (or fetches a cached) shared object for a kernel
//     and loads its entry function
//   - victimcache: a size-bucketed LRU byte-slice allocator backing operand
//     storage the object store's compiled functions read and write
//   - engine: per-batch execution dispatch tying every package above
//     together into one Execute call
//   - component: the four-entrypoint Component/Chain contract external
//     stages (bridges, device VEs) implement to sit in front of or behind
//     an in-process engine.Engine
//   - config: environment-driven per-component configuration
//   - vecerr: the taxonomy of error kinds every package above returns
//   - cmd: command-line tools (vecc, vecrun, vecbench)
//
// # Basic Usage
//
//	// Plan a fusion partition for a serialized instruction list
//	vecc -model greedy program.vecir program.vecm
//
//	// Load and execute the compiled model
//	vecrun program.vecm
//
// Programmatically, a caller builds a core.Batch directly and hands it to
// an engine.Engine:
//
//	eng := engine.New(engine.Options{Workers: 4, FusionModel: planner.GreedyModel})
//	if err := eng.LoadPersisted(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Execute(batch); err != nil {
//	    log.Fatal(err)
//	}
package vecrt
