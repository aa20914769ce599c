// Command vecbench drives the execution engine directly against small
// synthetic batches to measure fusion, codegen and object-cache overhead
// end to end.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vecrt/vecrt/codegen"
	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/engine"
	"github.com/vecrt/vecrt/planner"
)

var (
	testType = flag.String("test", "all", "Test type: all, elementwise, reduction, activation")
	size     = flag.Int("size", 1<<16, "Vector length in elements")
	iter     = flag.Int("iter", 200, "Number of iterations per test")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	fmt.Printf("vecrt Performance Analysis Tool\n")
	fmt.Printf("================================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n", runtime.NumCPU())
	fmt.Printf("Test Size: %s elements\n", humanize.Comma(int64(*size)))
	fmt.Printf("Iterations: %d\n", *iter)
	fmt.Printf("\n")

	switch *testType {
	case "all":
		runElementwiseTests()
		runReductionTests()
		runActivationTests()
	case "elementwise":
		runElementwiseTests()
	case "reduction":
		runReductionTests()
	case "activation":
		runActivationTests()
	default:
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}
}

func newBenchEngine() *engine.Engine {
	return engine.New(engine.Options{
		Workers:     1,
		FusionModel: planner.GreedyModel,
		ObjectDir:   "",
	})
}

func runElementwiseTests() {
	fmt.Printf("Elementwise Kernel Performance\n")
	fmt.Printf("------------------------------\n")

	for _, op := range []struct {
		name   string
		opcode codegen.Opcode
	}{
		{"Add", codegen.OpAdd},
		{"Sub", codegen.OpSub},
		{"Mul", codegen.OpMul},
		{"Div", codegen.OpDiv},
	} {
		a := randomFloatView(*size)
		b := randomFloatView(*size)
		out := zeroFloatView(*size)
		batch := core.NewBatch([]core.Instruction{
			{Opcode: op.opcode, Operands: []core.View{out, a, b}},
		})

		eng := newBenchEngine()
		start := time.Now()
		for i := 0; i < *iter; i++ {
			if err := eng.Execute(batch); err != nil {
				fmt.Printf("%s: execute failed: %v\n", op.name, err)
				return
			}
		}
		elapsed := time.Since(start)
		reportThroughput(op.name, elapsed, *size**iter)
	}
	fmt.Printf("\n")
}

func runReductionTests() {
	fmt.Printf("Reduction Kernel Performance\n")
	fmt.Printf("----------------------------\n")

	for _, op := range []struct {
		name   string
		opcode codegen.Opcode
	}{
		{"Sum", codegen.OpSum},
		{"Max", codegen.OpMax},
		{"Min", codegen.OpMin},
		{"Product", codegen.OpProduct},
	} {
		a := randomFloatView(*size)
		out := zeroFloatView(1)
		batch := core.NewBatch([]core.Instruction{
			{Opcode: op.opcode, Operands: []core.View{out, a}},
		})

		eng := newBenchEngine()
		start := time.Now()
		for i := 0; i < *iter; i++ {
			if err := eng.Execute(batch); err != nil {
				fmt.Printf("%s: execute failed: %v\n", op.name, err)
				return
			}
		}
		elapsed := time.Since(start)
		reportThroughput(op.name, elapsed, *size**iter)
	}
	fmt.Printf("\n")
}

func runActivationTests() {
	fmt.Printf("Activation Kernel Performance\n")
	fmt.Printf("-----------------------------\n")

	for _, op := range []struct {
		name   string
		opcode codegen.Opcode
	}{
		{"ReLU", codegen.OpReLU},
		{"Sigmoid", codegen.OpSigmoid},
		{"Tanh", codegen.OpTanh},
	} {
		a := randomFloatView(*size)
		out := zeroFloatView(*size)
		batch := core.NewBatch([]core.Instruction{
			{Opcode: op.opcode, Operands: []core.View{out, a}},
		})

		eng := newBenchEngine()
		start := time.Now()
		for i := 0; i < *iter; i++ {
			if err := eng.Execute(batch); err != nil {
				fmt.Printf("%s: execute failed: %v\n", op.name, err)
				return
			}
		}
		elapsed := time.Since(start)
		reportThroughput(op.name, elapsed, *size**iter)
	}
	fmt.Printf("\n")
}

func reportThroughput(name string, elapsed time.Duration, totalElements int) {
	elementsPerSecond := float64(totalElements) / elapsed.Seconds()
	bytesPerSecond := elementsPerSecond * 8 // float64 elements
	fmt.Printf("%-10s %v (%.2f Mops/s, %s/s)\n",
		name, elapsed, elementsPerSecond/1e6, humanize.Bytes(uint64(bytesPerSecond)))
	if *verbose {
		fmt.Printf("  total: %s elements in %v\n", humanize.Comma(int64(totalElements)), elapsed)
	}
}

// randomFloatView allocates a fresh contiguous float64 Base of n elements
// filled with values in [-100, 100) and returns a view over the whole thing.
func randomFloatView(n int) core.View {
	base, err := core.NewBase(core.Float64, int64(n))
	if err != nil {
		panic(err)
	}
	for i := 0; i < n; i++ {
		v := rand.Float64()*200 - 100
		binary.LittleEndian.PutUint64(base.Data[i*8:], math.Float64bits(v))
	}
	return contiguousView(base, n)
}

// zeroFloatView allocates a fresh zeroed float64 Base of n elements.
func zeroFloatView(n int) core.View {
	base, err := core.NewBase(core.Float64, int64(n))
	if err != nil {
		panic(err)
	}
	return contiguousView(base, n)
}

func contiguousView(base *core.Base, n int) core.View {
	return core.View{
		Base:   base,
		NDim:   1,
		Shape:  []int64{int64(n)},
		Stride: []int64{1},
		Start:  0,
	}
}
