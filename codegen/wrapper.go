package codegen

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/types"
)

// Wrapper owns the top-level emitted program: the code that allocates and
// frees buffer storage and stitches the generated kernels together. The
// scheduler is the only caller of the storage primitives; backends append
// their kernels and calls through Linef.
type Wrapper interface {
	// Linef appends one line of top-level code.
	Linef(format string, args ...any)

	// CodegenAllocation emits storage allocation for the buffer. It is a
	// no-op for buffers that were removed, never allocate, or were already
	// allocated (e.g. through in-place reuse).
	CodegenAllocation(buf *ir.Buffer)

	// CodegenFree emits the release of the buffer's storage.
	CodegenFree(buf *ir.Buffer)

	// CodegenInplaceReuse emits the reuse of old's storage as out's storage,
	// instead of a fresh allocation.
	CodegenInplaceReuse(old, out *ir.Buffer)

	// CanReuse reports whether the buffer's storage may be repurposed at all:
	// graph inputs, constants, outputs and already-released storage cannot.
	CanReuse(buf *ir.Buffer) bool
}

// ProgramWrapper is the default Wrapper: it records the emitted program as
// lines of text and keeps allocation accounting. Tests and the reference
// backend read the lines back; a real deployment would emit source for the
// target runtime instead.
type ProgramWrapper struct {
	graph *ir.Graph
	lines []string

	allocated types.Set[string]
	freed     types.Set[string]
	reused    map[string]string // output name -> reused input name

	liveBytes  int64
	totalBytes int64
	peakBytes  int64
}

var _ Wrapper = (*ProgramWrapper)(nil)

// NewProgramWrapper creates a ProgramWrapper for the graph.
func NewProgramWrapper(graph *ir.Graph) *ProgramWrapper {
	return &ProgramWrapper{
		graph:     graph,
		allocated: types.MakeSet[string](),
		freed:     types.MakeSet[string](),
		reused:    make(map[string]string),
	}
}

// Linef implements Wrapper.
func (w *ProgramWrapper) Linef(format string, args ...any) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

// CodegenAllocation implements Wrapper.
func (w *ProgramWrapper) CodegenAllocation(buf *ir.Buffer) {
	name := buf.Name
	if w.graph.RemovedBuffers.Has(name) || w.allocated.Has(name) {
		return
	}
	if !buf.ShouldAllocate() {
		return
	}
	w.allocated.Insert(name)
	bytes := buf.StorageBytes()
	w.liveBytes += bytes
	w.totalBytes += bytes
	w.peakBytes = max(w.peakBytes, w.liveBytes)
	w.Linef("%s = empty(%v, dtype=%s, device=%s)  # %s",
		name, buf.Ranges.Iter, buf.DType, buf.Device, humanize.Bytes(uint64(bytes)))
}

// CodegenFree implements Wrapper.
func (w *ProgramWrapper) CodegenFree(buf *ir.Buffer) {
	name := buf.Name
	if w.freed.Has(name) || !w.allocated.Has(name) {
		return
	}
	w.freed.Insert(name)
	w.liveBytes -= buf.StorageBytes()
	w.Linef("del %s", name)
}

// CodegenInplaceReuse implements Wrapper.
func (w *ProgramWrapper) CodegenInplaceReuse(old, out *ir.Buffer) {
	w.reused[out.Name] = old.Name
	// The storage changes owner: the old name is gone, the new one is live.
	w.allocated.Insert(out.Name)
	w.freed.Insert(old.Name)
	w.Linef("%s = reinterpret(%s)  # reuse", out.Name, old.Name)
}

// CanReuse implements Wrapper.
func (w *ProgramWrapper) CanReuse(buf *ir.Buffer) bool {
	name := buf.Name
	if w.graph.Inputs.Has(name) || w.graph.Constants.Has(name) {
		return false
	}
	for _, output := range w.graph.Outputs {
		if output == name {
			return false
		}
	}
	return buf.ShouldAllocate() && !w.freed.Has(name) && !w.graph.RemovedBuffers.Has(name)
}

// Lines returns the program emitted so far.
func (w *ProgramWrapper) Lines() []string {
	return w.lines
}

// Program returns the emitted program as one string.
func (w *ProgramWrapper) Program() string {
	return strings.Join(w.lines, "\n")
}

// Allocated reports whether storage was emitted for the buffer name.
func (w *ProgramWrapper) Allocated(name string) bool { return w.allocated.Has(name) }

// Freed reports whether the buffer name's storage was released.
func (w *ProgramWrapper) Freed(name string) bool { return w.freed.Has(name) }

// ReusedFrom returns the input buffer whose storage the output reuses, if any.
func (w *ProgramWrapper) ReusedFrom(outName string) (string, bool) {
	inName, found := w.reused[outName]
	return inName, found
}

// LogAllocationStats logs total and peak storage emitted.
func (w *ProgramWrapper) LogAllocationStats() {
	klog.V(1).Infof("wrapper: %s allocated in total, %s peak live",
		humanize.Bytes(uint64(w.totalBytes)), humanize.Bytes(uint64(w.peakBytes)))
}
