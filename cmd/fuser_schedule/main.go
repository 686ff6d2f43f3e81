// fuser_schedule schedules a small built-in softmax graph and prints the
// generated program. It is a smoke test and a demonstration of the scheduling
// pipeline; real front-ends construct ir.Graph programmatically and drive the
// scheduler themselves.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/codegen/simplegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/scheduler"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	flagDot = flag.String("dot", "", "If set, write a DOT rendering of the scheduled "+
		"dependency graph to this file.")
	flagRows    = flag.Int64("rows", 1024, "Rows of the demo softmax input.")
	flagCols    = flag.Int64("cols", 128, "Columns of the demo softmax input (the reduced dimension).")
	flagInplace = flag.Bool("inplace", true, "Allow in-place reuse of input buffers.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	graph := softmaxGraph(*flagRows, *flagCols)
	cfg := scheduler.DefaultConfig()
	cfg.InplaceBuffers = *flagInplace
	var dotFile *os.File
	if *flagDot != "" {
		dotFile = must.M1(os.Create(*flagDot))
		cfg.GraphDump = dotFile
	}
	wrapper := codegen.NewProgramWrapper(graph)
	cfg.Wrapper = wrapper

	s := must.M1(scheduler.New(graph, cfg))
	if dotFile != nil {
		must.M(dotFile.Close())
	}
	if err := s.Codegen(); err != nil {
		klog.Errorf("scheduling failed: %+v", err)
		os.Exit(1)
	}
	fmt.Println(wrapper.Program())
	wrapper.LogAllocationStats()
}

// softmaxGraph lowers softmax(x) over the last dimension of a [rows, cols]
// input: exponentiate, sum-reduce, divide.
func softmaxGraph(rows, cols int64) *ir.Graph {
	device := ir.Device{Type: simplegen.DeviceType}
	full := func(name string) deps.MemoryDep {
		return deps.MemoryDep{Buffer: name, Index: deps.Expr(fmt.Sprintf("i0*%d+i1", cols)), Sizes: []int64{rows, cols}}
	}
	exp := &ir.Buffer{
		Name: "exp", Device: device, DType: dtypes.Float32, Kind: ir.KindComputed,
		Reads:  []deps.Dep{full("x")},
		Writes: []deps.Dep{full("exp")},
		Ranges: ir.IterRanges{Iter: []int64{rows, cols}},
		Body: func(w ir.BodyWriter, iterVars, _ []deps.Expr) {
			w.Linef("exp[%s, %s] = exp(x[%s, %s])", iterVars[0], iterVars[1], iterVars[0], iterVars[1])
		},
	}
	sum := &ir.Buffer{
		Name: "sum", Device: device, DType: dtypes.Float32, Kind: ir.KindComputed,
		Reads:         []deps.Dep{deps.MemoryDep{Buffer: "exp", Index: deps.Expr(fmt.Sprintf("i0*%d+r0", cols)), Sizes: []int64{rows, cols}}},
		Writes:        []deps.Dep{deps.MemoryDep{Buffer: "sum", Index: "i0", Sizes: []int64{rows, cols}}},
		Ranges:        ir.IterRanges{Iter: []int64{rows}, Reduce: []int64{cols}},
		ReductionType: "sum",
		Body: func(w ir.BodyWriter, iterVars, reduceVars []deps.Expr) {
			w.Linef("sum[%s] += exp[%s, %s]", iterVars[0], iterVars[0], reduceVars[0])
		},
	}
	out := &ir.Buffer{
		Name: "out", Device: device, DType: dtypes.Float32, Kind: ir.KindComputed,
		Reads: []deps.Dep{
			full("exp"),
			deps.MemoryDep{Buffer: "sum", Index: "i0", Sizes: []int64{rows, cols}},
		},
		Writes: []deps.Dep{full("out")},
		Ranges: ir.IterRanges{Iter: []int64{rows, cols}},
		Body: func(w ir.BodyWriter, iterVars, _ []deps.Expr) {
			w.Linef("out[%s, %s] = exp[%s, %s] / sum[%s]", iterVars[0], iterVars[1], iterVars[0], iterVars[1], iterVars[0])
		},
	}
	return ir.NewGraph([]*ir.Buffer{exp, sum, out}, []string{"x"}, nil, []string{"out"})
}
