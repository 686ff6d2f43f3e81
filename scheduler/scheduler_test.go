package scheduler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/codegen/simplegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
)

var testDevice = ir.Device{Type: simplegen.DeviceType}

const (
	vecSize = 8
	redSize = 4
)

// vec is the canonical record for one element of a [vecSize] buffer.
func vec(name string) deps.MemoryDep {
	return deps.MemoryDep{Buffer: name, Index: "i0", Sizes: []int64{vecSize}}
}

// mat is the canonical record for one element of a [vecSize, redSize] buffer
// addressed over the point-wise space.
func mat(name string) deps.MemoryDep {
	return deps.MemoryDep{Buffer: name, Index: "i0*4+i1", Sizes: []int64{vecSize, redSize}}
}

func pointwise(name string, reads ...string) *ir.Buffer {
	records := make([]deps.Dep, 0, len(reads))
	for _, in := range reads {
		records = append(records, vec(in))
	}
	return &ir.Buffer{
		Name:   name,
		Device: testDevice,
		DType:  dtypes.Float32,
		Kind:   ir.KindComputed,
		Reads:  records,
		Writes: []deps.Dep{vec(name)},
		Ranges: ir.IterRanges{Iter: []int64{vecSize}},
		Body: func(w ir.BodyWriter, iterVars, _ []deps.Expr) {
			w.Linef("%s[%s] = f(%s)", name, iterVars[0], strings.Join(reads, ", "))
		},
	}
}

// reduction sums a [vecSize, redSize] input down to [vecSize].
func reduction(name, in string) *ir.Buffer {
	return &ir.Buffer{
		Name:   name,
		Device: testDevice,
		DType:  dtypes.Float32,
		Kind:   ir.KindComputed,
		Reads:         []deps.Dep{deps.MemoryDep{Buffer: in, Index: "i0*4+r0", Sizes: []int64{vecSize, redSize}}},
		Writes:        []deps.Dep{deps.MemoryDep{Buffer: name, Index: "i0", Sizes: []int64{vecSize, redSize}}},
		Ranges:        ir.IterRanges{Iter: []int64{vecSize}, Reduce: []int64{redSize}},
		ReductionType: "sum",
		Body: func(w ir.BodyWriter, iterVars, reduceVars []deps.Expr) {
			w.Linef("%s[%s] += %s[%s*4+%s]", name, iterVars[0], in, iterVars[0], reduceVars[0])
		},
	}
}

func schedule(t *testing.T, graph *ir.Graph, cfg Config) (*Scheduler, *codegen.ProgramWrapper) {
	t.Helper()
	wrapper := codegen.NewProgramWrapper(graph)
	cfg.Wrapper = wrapper
	s := must.M1(New(graph, cfg))
	require.NoError(t, s.Codegen())
	return s, wrapper
}

func kernelCount(wrapper *codegen.ProgramWrapper) int {
	count := 0
	for _, line := range wrapper.Lines() {
		if strings.HasPrefix(line, "func ") {
			count++
		}
	}
	return count
}

func TestPointwiseChainFusesIntoOneKernel(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), pointwise("b", "a"), pointwise("c", "b")},
		[]string{"x"}, nil, []string{"c"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"a", "b", "c"}, s.RunOrder())
	assert.Equal(t, 1, kernelCount(wrapper), "the whole chain must fuse into one kernel:\n%s", wrapper.Program())

	// b and c never allocate fresh storage: each reuses its sole input.
	from, found := wrapper.ReusedFrom("b")
	require.True(t, found)
	assert.Equal(t, "a", from)
	from, found = wrapper.ReusedFrom("c")
	require.True(t, found)
	assert.Equal(t, "b", from)
	assert.Contains(t, wrapper.Program(), "a = empty(")
	assert.Contains(t, wrapper.Program(), "c = reinterpret(b)")
}

func TestInplaceReuseDisabled(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), pointwise("b", "a")},
		[]string{"x"}, nil, []string{"b"})
	cfg := DefaultConfig()
	cfg.InplaceBuffers = false
	_, wrapper := schedule(t, graph, cfg)

	_, found := wrapper.ReusedFrom("b")
	assert.False(t, found)
	assert.True(t, wrapper.Allocated("a"))
	assert.True(t, wrapper.Allocated("b"))
}

func TestNoInplaceReuseWithMultipleUsers(t *testing.T) {
	// a has two readers: neither may steal its storage.
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), pointwise("b", "a"), pointwise("c", "a")},
		[]string{"x"}, nil, []string{"b", "c"})
	_, wrapper := schedule(t, graph, DefaultConfig())

	_, found := wrapper.ReusedFrom("b")
	assert.False(t, found)
	_, found = wrapper.ReusedFrom("c")
	assert.False(t, found)

	// a is released once both readers completed; the outputs never are.
	assert.True(t, wrapper.Freed("a"))
	assert.False(t, wrapper.Freed("b"))
	assert.False(t, wrapper.Freed("c"))
}

func TestDeadNodeElimination(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), pointwise("dead", "x")},
		[]string{"x"}, nil, []string{"a"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"a"}, s.RunOrder())
	assert.True(t, graph.RemovedBuffers.Has("dead"))
	assert.False(t, wrapper.Allocated("dead"))
	assert.Len(t, s.Nodes(), 1)
}

func TestMutationOrdering(t *testing.T) {
	// r1 reads x, m overwrites x in place, r2 reads the mutated x. The
	// scheduler must order r1 before m before r2, and r2's read must resolve
	// to m's version.
	m := pointwise("m", "x")
	m.Mutations = []string{"x"}
	m.NoAlloc = true
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("r1", "x"), m, pointwise("r2", "x")},
		[]string{"x"}, nil, []string{"r1", "r2"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"r1", "m", "r2"}, s.RunOrder())
	assert.True(t, graph.MutatedInputs.Has("x"))

	// The mutation ordering edge is coarse, so r1 and m never fuse.
	assert.Equal(t, 2, kernelCount(wrapper), wrapper.Program())
}

func TestMutationRenameChain(t *testing.T) {
	// Two successive in-place updates of x, then a reader of the final value.
	m1 := pointwise("m1", "x")
	m1.Mutations = []string{"x"}
	m1.NoAlloc = true
	m2 := pointwise("m2", "x")
	m2.Mutations = []string{"x"}
	m2.NoAlloc = true
	graph := ir.NewGraph(
		[]*ir.Buffer{m1, m2, pointwise("r", "x")},
		[]string{"x"}, nil, []string{"r"})
	s, _ := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"m1", "m2", "r"}, s.RunOrder())
	assert.True(t, graph.MutatedInputs.Has("x"))

	// The reader's dependency resolved through the chain to the last writer.
	r := s.nameToNode["r"]
	require.NotNil(t, r)
	assert.True(t, r.readWrites.Reads.Has(vec("m2")))
	assert.Equal(t, "x", s.mutationRealName["m2"])
}

func TestCycleError(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("p", "q"), pointwise("q", "p")},
		[]string{"x"}, nil, []string{"p", "q"})
	s := must.M1(New(graph, DefaultConfig()))
	err := s.Codegen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Contains(t, err.Error(), "p waiting on")
	assert.Contains(t, err.Error(), "q waiting on")
}

func TestPriorityOrdering(t *testing.T) {
	// With everything runnable at once: nop first, then the extern call, then
	// the reduction, then the point-wise node.
	nop := &ir.Buffer{Name: "n", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindNop, NoAlloc: true}
	extern := &ir.Buffer{
		Name: "e", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindExtern,
		Reads: []deps.Dep{deps.StarDep{Buffer: "x"}}, Writes: []deps.Dep{deps.StarDep{Buffer: "e"}},
		Kernel: "mm", Args: []string{"x"}, Ranges: ir.IterRanges{Iter: []int64{vecSize}},
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("p", "x"), reduction("r", "x"), extern, nop},
		[]string{"x"}, nil, []string{"n", "e", "r", "p"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"n", "e", "r", "p"}, s.RunOrder())
	assert.Contains(t, wrapper.Program(), "e = mm(x)")
}

func TestDeterministicEmission(t *testing.T) {
	build := func() *ir.Graph {
		return ir.NewGraph(
			[]*ir.Buffer{
				pointwise("a1", "x"), pointwise("a2", "a1"),
				pointwise("b1", "x"), pointwise("b2", "b1"),
				reduction("r", "x"), pointwise("s", "r"),
			},
			[]string{"x"}, nil, []string{"a2", "b2", "s"})
	}
	s1, w1 := schedule(t, build(), DefaultConfig())
	for range 5 {
		s2, w2 := schedule(t, build(), DefaultConfig())
		assert.Equal(t, s1.RunOrder(), s2.RunOrder())
		assert.Equal(t, w1.Program(), w2.Program())
	}
}

func TestNoPrematureFree(t *testing.T) {
	// a is produced by one kernel and consumed by a later reduction kernel;
	// it must only be released after the reduction completed.
	a := &ir.Buffer{
		Name: "a", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindComputed,
		Reads:  []deps.Dep{mat("x")},
		Writes: []deps.Dep{mat("a")},
		Ranges: ir.IterRanges{Iter: []int64{vecSize, redSize}},
		Body: func(w ir.BodyWriter, iterVars, _ []deps.Expr) {
			w.Linef("a[...] = f(x)")
		},
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{a, reduction("s", "a")},
		[]string{"x"}, nil, []string{"s"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"a", "s"}, s.RunOrder())
	// Different dependency keys, so the two stay in separate kernels.
	assert.Equal(t, 2, kernelCount(wrapper), wrapper.Program())
	assert.True(t, wrapper.Freed("a"))
	assert.False(t, wrapper.Freed("s"))

	// The release is emitted after both allocations.
	lines := wrapper.Lines()
	del := -1
	for i, line := range lines {
		if line == "del a" {
			del = i
		}
	}
	require.GreaterOrEqual(t, del, 0, wrapper.Program())
	assert.True(t, strings.HasPrefix(lines[0], "a = empty("))
	assert.Greater(t, del, 1)
}

func TestReductionEpilogueFusionElidesBuffer(t *testing.T) {
	// The reduction's only consumer iterates the full space and fuses into
	// the same kernel, so the reduced buffer never materializes.
	consumer := &ir.Buffer{
		Name: "c", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindComputed,
		Reads:  []deps.Dep{deps.MemoryDep{Buffer: "r", Index: "i0", Sizes: []int64{vecSize, redSize}}},
		Writes: []deps.Dep{mat("c")},
		Ranges: ir.IterRanges{Iter: []int64{vecSize, redSize}},
		Body: func(w ir.BodyWriter, iterVars, _ []deps.Expr) {
			w.Linef("c[...] = g(r)")
		},
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{reduction("r", "x"), consumer},
		[]string{"x"}, nil, []string{"c"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"r", "c"}, s.RunOrder())
	assert.Equal(t, 1, kernelCount(wrapper), wrapper.Program())
	assert.True(t, graph.RemovedBuffers.Has("r"))
	assert.False(t, wrapper.Allocated("r"))
	assert.True(t, wrapper.Allocated("c"))
}

func TestStrippedReductionConsumerFuses(t *testing.T) {
	// A point-wise consumer of the reduced value (without the reduced dim)
	// fuses via the stripped dependency record, but the reduction output
	// still materializes: the consumer addresses it with different sizes.
	graph := ir.NewGraph(
		[]*ir.Buffer{reduction("r", "x"), pointwise("s", "r")},
		[]string{"x"}, nil, []string{"s"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"r", "s"}, s.RunOrder())
	assert.Equal(t, 1, kernelCount(wrapper), wrapper.Program())
	assert.False(t, graph.RemovedBuffers.Has("r"))
}

func TestCoarseDependencyBlocksFusion(t *testing.T) {
	// cs only has a whole-buffer record on a; the kernel publishes a precise
	// write, so cs must wait for the barrier and lands in its own kernel.
	coarse := pointwise("cs", "a")
	coarse.Reads = []deps.Dep{deps.StarDep{Buffer: "a"}}
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), coarse},
		[]string{"x"}, nil, []string{"cs"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"a", "cs"}, s.RunOrder())
	assert.Equal(t, 2, kernelCount(wrapper), wrapper.Program())
}

func TestNopGatedNodeRuns(t *testing.T) {
	nop := &ir.Buffer{Name: "n", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindNop, NoAlloc: true}
	graph := ir.NewGraph(
		[]*ir.Buffer{nop, pointwise("p", "n")},
		[]string{"x"}, nil, []string{"p"})
	s, _ := schedule(t, graph, DefaultConfig())
	assert.Equal(t, []string{"n", "p"}, s.RunOrder())
}

func TestAliasUserMerging(t *testing.T) {
	// v is a view over base: users registered through either name are
	// visible on both, so base is kept alive for v's readers.
	view := &ir.Buffer{
		Name: "v", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindNop,
		Reads: []deps.Dep{vec("base")}, Aliases: []string{"base"}, NoAlloc: true,
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("base", "x"), view, pointwise("c", "v")},
		[]string{"x"}, nil, []string{"c"})
	s, _ := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"base", "v", "c"}, s.RunOrder())
	base := s.nameToNode["base"]
	require.NotNil(t, base)
	names := make([]string, 0, len(base.Users()))
	for _, use := range base.Users() {
		names = append(names, use.Name)
	}
	assert.Contains(t, names, "c", "the view's reader must be a user of the base buffer")
}

func TestTemplateFusion(t *testing.T) {
	template := &ir.Buffer{
		Name: "t", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindExtern,
		Reads: []deps.Dep{deps.StarDep{Buffer: "x"}}, Writes: []deps.Dep{deps.StarDep{Buffer: "t"}},
		Kernel: "conv", Args: []string{"x"},
		TemplateKind: "conv", TemplateIndex: "i0",
		Ranges: ir.IterRanges{Iter: []int64{vecSize}},
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{template, pointwise("e", "t")},
		[]string{"x"}, nil, []string{"e"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"t", "e"}, s.RunOrder())
	assert.Equal(t, 1, kernelCount(wrapper), wrapper.Program())
	assert.Contains(t, wrapper.Program(), "func template_conv_0() {")
	assert.Contains(t, wrapper.Program(), "t[i0] = conv(x)")

	// The epilogue overwrites the template output in place.
	from, found := wrapper.ReusedFrom("e")
	require.True(t, found)
	assert.Equal(t, "t", from)
}

func TestTemplateFusionDisabled(t *testing.T) {
	template := &ir.Buffer{
		Name: "t", Device: testDevice, DType: dtypes.Float32, Kind: ir.KindExtern,
		Reads: []deps.Dep{deps.StarDep{Buffer: "x"}}, Writes: []deps.Dep{deps.StarDep{Buffer: "t"}},
		Kernel: "conv", Args: []string{"x"},
		TemplateKind: "conv", TemplateIndex: "i0",
		Ranges: ir.IterRanges{Iter: []int64{vecSize}},
	}
	graph := ir.NewGraph(
		[]*ir.Buffer{template, pointwise("e", "t")},
		[]string{"x"}, nil, []string{"e"})
	cfg := DefaultConfig()
	cfg.TemplateFusion = false
	s, wrapper := schedule(t, graph, cfg)

	assert.Equal(t, []string{"t", "e"}, s.RunOrder())
	assert.Contains(t, wrapper.Program(), "t = conv(x)")
	assert.Equal(t, 1, kernelCount(wrapper), wrapper.Program())
	assert.NotContains(t, wrapper.Program(), "template_conv")
}

// plainBackend hides the template capability of the backend it wraps.
type plainBackend struct{ codegen.Scheduling }

func init() {
	codegen.Register("plain", func(driver codegen.Driver, device ir.Device) codegen.Scheduling {
		return plainBackend{simplegen.New(driver, device)}
	})
}

func TestTemplateFallbackWithoutCapability(t *testing.T) {
	plainDevice := ir.Device{Type: "plain"}
	template := &ir.Buffer{
		Name: "t", Device: plainDevice, DType: dtypes.Float32, Kind: ir.KindExtern,
		Reads: []deps.Dep{deps.StarDep{Buffer: "x"}}, Writes: []deps.Dep{deps.StarDep{Buffer: "t"}},
		Kernel: "conv", Args: []string{"x"},
		TemplateKind: "conv", TemplateIndex: "i0",
		Ranges: ir.IterRanges{Iter: []int64{vecSize}},
	}
	consumer := pointwise("e", "t")
	consumer.Device = plainDevice
	graph := ir.NewGraph(
		[]*ir.Buffer{template, consumer},
		[]string{"x"}, nil, []string{"e"})
	s, wrapper := schedule(t, graph, DefaultConfig())

	assert.Equal(t, []string{"t", "e"}, s.RunOrder())
	assert.Contains(t, wrapper.Program(), "t = conv(x)")
	assert.NotContains(t, wrapper.Program(), "template_conv")
}

func TestGraphDump(t *testing.T) {
	var dump bytes.Buffer
	graph := ir.NewGraph(
		[]*ir.Buffer{pointwise("a", "x"), pointwise("b", "a")},
		[]string{"x"}, nil, []string{"b"})
	cfg := DefaultConfig()
	cfg.GraphDump = &dump
	schedule(t, graph, cfg)

	dot := dump.String()
	assert.Contains(t, dot, "digraph schedule {")
	assert.Contains(t, dot, `"a" -> "b";`)
	assert.Contains(t, dot, `"x" [shape=box];`)
}

func TestUnknownKindError(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{{Name: "z", Device: testDevice, Kind: ir.Kind(7)}},
		nil, nil, []string{"z"})
	_, err := New(graph, DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported kind")
}

func TestUnregisteredDevicePanics(t *testing.T) {
	bad := pointwise("z", "x")
	bad.Device = ir.Device{Type: "bogus"}
	graph := ir.NewGraph([]*ir.Buffer{bad}, []string{"x"}, nil, []string{"z"})
	require.Panics(t, func() {
		_, _ = New(graph, DefaultConfig())
	})
}

func TestRunCountMatchesLiveNodes(t *testing.T) {
	graph := ir.NewGraph(
		[]*ir.Buffer{
			pointwise("a", "x"), pointwise("b", "a"),
			pointwise("dead", "x"),
			reduction("r", "x"), pointwise("s", "r"),
		},
		[]string{"x"}, nil, []string{"b", "s"})
	s, _ := schedule(t, graph, DefaultConfig())
	assert.Equal(t, len(s.Nodes()), s.RunCount())
	assert.Len(t, s.RunOrder(), s.RunCount())
}

