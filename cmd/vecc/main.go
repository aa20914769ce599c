// Command vecc plans a fusion partition for a serialized instruction list
// and writes a compiled model file a later vecrun can load without
// replanning when the model was planned with -model greedy (the model
// vecrun's engine plans under): the fusion decision is baked in once, at
// compile time, rather than recomputed on every execution.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/fusioncache"
	"github.com/vecrt/vecrt/planner"
)

func main() {
	var (
		modelName = flag.String("model", "greedy", "Fusion model to plan under (single-kernel, greedy)")
		validate  = flag.Bool("validate", true, "Validate the instruction list before planning")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("vecc - vecrt fusion compiler v1.0.0")
		fmt.Println("Built with Go 1.22.2")
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <src.vecir> <out.vecm>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	srcFile, outFile := args[0], args[1]

	src, err := os.ReadFile(srcFile)
	if err != nil {
		log.Fatalf("read %s: %v", srcFile, err)
	}
	instrs, err := core.DeserializeInstructions(src, nil)
	if err != nil {
		log.Fatalf("decode instruction list: %v", err)
	}
	if *validate {
		if err := validateInstrs(instrs); err != nil {
			log.Fatalf("validation failed: %v", err)
		}
	}

	registry := planner.NewRegistry()
	model, ok := registry.Get(*modelName)
	if !ok {
		log.Fatalf("unknown fusion model %q", *modelName)
	}

	batch := core.NewBatch(instrs)
	cache := fusioncache.New("")
	kernels, err := planner.Plan(batch, model, cache)
	if err != nil {
		log.Fatalf("planning failed: %v", err)
	}

	entry := toEntry(*modelName, fusioncache.Hash(batch, model.Name), kernels)
	entryBytes, err := entry.Serialize()
	if err != nil {
		log.Fatalf("serialize fusion entry: %v", err)
	}

	if err := writeCompiledModel(outFile, src, entryBytes); err != nil {
		log.Fatalf("write %s: %v", outFile, err)
	}
	fmt.Printf("Successfully compiled %s -> %s (%d instructions, %d kernels)\n", srcFile, outFile, len(instrs), len(kernels))
}

// validateInstrs rejects an obviously malformed instruction list before
// planning ever sees it: every operand's shape and stride slices must
// agree in length with its declared rank.
func validateInstrs(instrs []core.Instruction) error {
	for i, ins := range instrs {
		for j, op := range ins.Operands {
			if core.IsConstant(op) {
				continue
			}
			if len(op.Shape) != op.NDim || len(op.Stride) != op.NDim {
				return fmt.Errorf("instruction %d operand %d: shape/stride length does not match ndim", i, j)
			}
		}
	}
	return nil
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

// writeCompiledModel concatenates the source instruction blob and the
// planned fusion entry into one file: [4-byte instrLen][instr bytes]
// [entry bytes]. vecrun splits it back apart the same way.
func writeCompiledModel(path string, instrBlob, entryBlob []byte) error {
	out := make([]byte, 4+len(instrBlob)+len(entryBlob))
	binary.LittleEndian.PutUint32(out, uint32(len(instrBlob)))
	copy(out[4:], instrBlob)
	copy(out[4+len(instrBlob):], entryBlob)
	return os.WriteFile(path, out, 0o644)
}
