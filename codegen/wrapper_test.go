package codegen

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fuser/ir"
)

func testBuffer(name string, sizes ...int64) *ir.Buffer {
	return &ir.Buffer{
		Name:   name,
		Device: ir.Device{Type: "go"},
		DType:  dtypes.Float32,
		Kind:   ir.KindComputed,
		Ranges: ir.IterRanges{Iter: sizes},
	}
}

func TestProgramWrapperAllocationAndFree(t *testing.T) {
	graph := ir.NewGraph(nil, []string{"x"}, nil, []string{"out"})
	w := NewProgramWrapper(graph)

	buf := testBuffer("a", 8)
	w.CodegenAllocation(buf)
	assert.True(t, w.Allocated("a"))
	require.Len(t, w.Lines(), 1)
	assert.Contains(t, w.Lines()[0], "a = empty([8]")

	// Double allocation is a no-op.
	w.CodegenAllocation(buf)
	assert.Len(t, w.Lines(), 1)

	// Freeing something never allocated is a no-op.
	w.CodegenFree(testBuffer("ghost", 8))
	assert.Len(t, w.Lines(), 1)

	w.CodegenFree(buf)
	assert.True(t, w.Freed("a"))
	assert.Equal(t, "del a", w.Lines()[1])
	w.CodegenFree(buf)
	assert.Len(t, w.Lines(), 2)
}

func TestProgramWrapperSkipsRemovedAndNoAlloc(t *testing.T) {
	graph := ir.NewGraph(nil, nil, nil, nil)
	graph.RemovedBuffers.Insert("gone")
	w := NewProgramWrapper(graph)

	w.CodegenAllocation(testBuffer("gone", 8))
	assert.False(t, w.Allocated("gone"))

	view := testBuffer("view", 8)
	view.NoAlloc = true
	w.CodegenAllocation(view)
	assert.False(t, w.Allocated("view"))
	assert.Empty(t, w.Lines())
}

func TestProgramWrapperInplaceReuse(t *testing.T) {
	graph := ir.NewGraph(nil, nil, nil, nil)
	w := NewProgramWrapper(graph)

	old := testBuffer("a", 8)
	w.CodegenAllocation(old)
	out := testBuffer("b", 8)
	w.CodegenInplaceReuse(old, out)

	from, found := w.ReusedFrom("b")
	require.True(t, found)
	assert.Equal(t, "a", from)
	assert.True(t, w.Allocated("b"))
	assert.True(t, w.Freed("a"))
	assert.Contains(t, w.Program(), "b = reinterpret(a)")

	// Freed storage cannot be reused again.
	assert.False(t, w.CanReuse(old))
}

func TestProgramWrapperCanReuse(t *testing.T) {
	graph := ir.NewGraph(nil, []string{"in"}, []string{"const"}, []string{"out"})
	graph.RemovedBuffers.Insert("gone")
	w := NewProgramWrapper(graph)

	assert.False(t, w.CanReuse(testBuffer("in", 8)))
	assert.False(t, w.CanReuse(testBuffer("const", 8)))
	assert.False(t, w.CanReuse(testBuffer("out", 8)))
	assert.False(t, w.CanReuse(testBuffer("gone", 8)))

	view := testBuffer("view", 8)
	view.NoAlloc = true
	assert.False(t, w.CanReuse(view))

	assert.True(t, w.CanReuse(testBuffer("tmp", 8)))
}

func TestRegistry(t *testing.T) {
	called := false
	Register("wrapper-test-device", func(driver Driver, device ir.Device) Scheduling {
		called = true
		return nil
	})
	NewForDevice(nil, ir.Device{Type: "wrapper-test-device"})
	assert.True(t, called)

	assert.Panics(t, func() {
		NewForDevice(nil, ir.Device{Type: "never-registered"})
	})
}
