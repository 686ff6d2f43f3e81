// Package ir defines the contract between the front-end lowering and the
// scheduler: an ordered sequence of buffer-producing nodes, each one either a
// no-op, a fusable loop computation, or an opaque external kernel call.
//
// The front-end owns lowering and symbolic simplification; nothing here
// computes values. Buffers carry just enough metadata for the scheduler to
// order, group, allocate, and free them, and for a backend to emit code.
package ir

import (
	"fmt"

	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/gopjrt/dtypes"
)

// Kind is the closed tag discriminating the three producer variants.
type Kind int

//go:generate go tool enumer -type=Kind -trimprefix=Kind -output=gen_kind_enumer.go ir.go

const (
	// KindNop produces a buffer that is already satisfied: no computation.
	KindNop Kind = iota

	// KindComputed is a fusable elementwise or reduction loop computation.
	KindComputed

	// KindExtern is an opaque external kernel call.
	KindExtern
)

// Device identifies where a buffer lives and where its producer runs.
type Device struct {
	// Type of the device, e.g. "cpu", "cuda". It selects the registered
	// codegen backend.
	Type string

	// Ordinal of the device among those of the same type.
	Ordinal int
}

func (d Device) String() string {
	if d.Ordinal == 0 {
		return d.Type
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Ordinal)
}

// IterRanges describes the iteration space of a computed node: the point-wise
// iteration sizes plus the reduced sizes (empty for point-wise nodes).
type IterRanges struct {
	Iter   []int64
	Reduce []int64
}

// Flat returns iteration then reduction sizes as one slice.
func (r IterRanges) Flat() []int64 {
	flat := make([]int64, 0, len(r.Iter)+len(r.Reduce))
	flat = append(flat, r.Iter...)
	return append(flat, r.Reduce...)
}

// NumElements of the produced buffer (reduction dims excluded).
func (r IterRanges) NumElements() int64 {
	n := int64(1)
	for _, size := range r.Iter {
		n *= size
	}
	return n
}

// BodyWriter is where a computation body emits its code, one line at a time.
// It is implemented by the backend's open kernel.
type BodyWriter interface {
	Linef(format string, args ...any)
}

// Body is the callable body of a computed node, parameterized by the index
// variables the backend created for the kernel's iteration and reduction
// dimensions.
type Body func(w BodyWriter, iterVars, reduceVars []deps.Expr)

// Buffer is one producer node of the input graph: it produces exactly one
// named buffer. Which payload fields are meaningful depends on Kind.
type Buffer struct {
	// Name of the produced buffer. Unique and stable within the graph.
	Name string

	Device Device
	DType  dtypes.DType
	Kind   Kind

	// Reads and Writes are the raw dependency records from the front-end.
	// The scheduler resolves renames and mutation edges on top of these.
	Reads  []deps.Dep
	Writes []deps.Dep

	// Aliases are other buffer names addressing the same storage (views).
	Aliases []string

	// Mutations are the buffer names this node overwrites in place, rather
	// than creating new storage. At most one in practice.
	Mutations []string

	// NoAlloc marks buffers whose storage comes from elsewhere (graph inputs,
	// views); the scheduler never allocates for them.
	NoAlloc bool

	// Computed payload.

	// Ranges is the iteration-space descriptor. Also set for extern kernels
	// eligible for template fusion, where it describes the template's
	// iteration space.
	Ranges IterRanges

	// ReductionType is empty for point-wise nodes, otherwise names the
	// reduction ("sum", "max", ...).
	ReductionType string

	Body Body

	// Extern payload.

	// Kernel is the opaque call target, e.g. "aten.convolution".
	Kernel string

	// Args are the buffer names passed to the opaque call, in call order.
	Args []string

	// TemplateKind is non-empty when the call is eligible for template-based
	// fusion (e.g. "convolution"), subject to the backend supporting it.
	TemplateKind string

	// TemplateIndex is the canonical output index expression used to refine
	// the coarse write record when the template path is taken.
	TemplateIndex deps.Expr
}

// IsReduction reports whether the node is a reduction-shaped computation.
func (b *Buffer) IsReduction() bool {
	return b.Kind == KindComputed && b.ReductionType != ""
}

// ShouldAllocate reports whether fresh storage must be allocated for the
// produced buffer.
func (b *Buffer) ShouldAllocate() bool {
	return !b.NoAlloc
}

// ReadWrites assembles the raw dependency sets of the node.
func (b *Buffer) ReadWrites() deps.ReadWrites {
	return deps.NewReadWrites(b.Reads, b.Writes)
}

// CanonicalWrite returns the precise write record for a template-eligible
// extern kernel, refining its coarse whole-buffer write.
func (b *Buffer) CanonicalWrite() deps.MemoryDep {
	return deps.MemoryDep{Buffer: b.Name, Index: b.TemplateIndex, Sizes: b.Ranges.Flat()}
}

// StorageBytes is the byte size of the produced buffer's storage.
func (b *Buffer) StorageBytes() int64 {
	return b.Ranges.NumElements() * int64(b.DType.Size())
}
