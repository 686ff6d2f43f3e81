// Package codegen defines the contract between the scheduler and the
// per-device code generation backends.
//
// The scheduler drives the group-by-group loop and owns all liveness state;
// a backend consumes one runnable group at a time and emits instructions for
// it. Backends never mutate scheduling state directly: they read node
// metadata through Node and request allocation/free/in-place-reuse actions
// through the Wrapper and the scheduler-provided Driver.
//
// Backends register themselves per device type, following the same registry
// pattern used for computation backends elsewhere in the gomlx ecosystem:
// call Register during package initialization.
package codegen

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
)

// GroupSig is the iteration-shape signature of a fusion group, produced by a
// backend's GroupFn. Nodes with equal signatures on the same device may be
// emitted together as one fused kernel.
type GroupSig string

// GroupKey identifies the nodes eligible to be fused into a single kernel:
// same device, same iteration-shape signature.
type GroupKey struct {
	Device ir.Device
	Sig    GroupSig
}

// Node is the backend's view of one scheduled node. The implementation lives
// in the scheduler; backends only ever receive Nodes from Driver.PopGroup or
// the extern-call path.
type Node interface {
	// Name of the buffer the node produces.
	Name() string

	// Buffer returns the underlying producer node.
	Buffer() *ir.Buffer

	// Ranges is the node's iteration-space descriptor.
	Ranges() ir.IterRanges

	// IsReduction reports whether the node is reduction-shaped.
	IsReduction() bool

	// Run allocates storage for the node's output (possibly reusing an input
	// in place), emits the node's body into w with the given index variables,
	// and marks the buffer pending until the next barrier.
	Run(w ir.BodyWriter, iterVars, reduceVars []deps.Expr)

	// Allocate only performs the storage side of Run. Template codegen paths
	// use it when the backend owns the emission.
	Allocate()

	// MarkRun records the node as executed and its buffer as pending.
	MarkRun()

	// MarkFusable publishes the node's write records as fusable: blocked
	// nodes whose entire remaining dependencies are fusable may be pulled
	// into the currently open group. For reductions, derived records with
	// the reduced dimension stripped are published as well; with
	// broadcastAfterReduce also broadcast-extended ones.
	MarkFusable(broadcastAfterReduce bool)

	// CanRemoveBuffer reports whether the node's output buffer can be elided
	// altogether because its single consumer is being fused into the same
	// kernel. checkGroup decides whether that consumer belongs to the open
	// group.
	CanRemoveBuffer(checkGroup func(Node) bool) bool
}

// Kernel is one fused kernel currently open for emission. The backend owns
// the implementation; the scheduler calls back into it for buffer-argument
// bookkeeping.
type Kernel interface {
	ir.BodyWriter

	// MakeInplace redirects the kernel's output argument for outputName to
	// reuse inputName's storage.
	MakeInplace(inputName, outputName string)

	// MustKeep reports whether the kernel requires the buffer to stay
	// materialized even if it became kernel-local after fusion.
	MustKeep(name string) bool

	// RemoveBuffer marks the kernel's output argument for name as removed.
	// The argument entry itself stays, so argument naming remains stable.
	RemoveBuffer(name string)
}

// Driver is the scheduler API available to backends during codegen. One group
// is open at a time; all methods must be called from the codegen callback
// that received control.
type Driver interface {
	// Graph being scheduled.
	Graph() *ir.Graph

	// Wrapper for storage and top-level emission primitives.
	Wrapper() Wrapper

	// PopGroup drains the nodes currently runnable under the open group with
	// the given signature, including nodes that became fusable since the last
	// call. It returns nil when no more nodes can be pulled in; callers loop
	// until then, since MarkFusable during emission can unblock more nodes.
	PopGroup(sig GroupSig) []Node

	// WithKernel opens kernel for emission, runs fn, then closes it. The
	// fusable-dependency set is reset for each new kernel.
	WithKernel(kernel Kernel, fn func())

	// RemoveBuffer marks the buffer as removed: the open kernel's argument is
	// tombstoned and storage for it is never allocated. Backends call it when
	// a node's output is elided because its only consumer fuses into the same
	// kernel.
	RemoveBuffer(name string)

	// RemoveKernelLocalBuffers removes buffers whose every use was fused into
	// the kernel just emitted, so they never materialize.
	RemoveKernelLocalBuffers()

	// Barrier promotes pending buffers to available and enqueues nodes that
	// became runnable.
	Barrier()

	// MaybeFreeBuffers releases buffers whose last reader has completed.
	MaybeFreeBuffers()

	// RunCount is the number of nodes executed so far. Template codegen paths
	// use it to iterate epilogue fusion to a fixed point.
	RunCount() int
}

// Scheduling is the per-device backend contract.
type Scheduling interface {
	// GroupFn maps an iteration-space descriptor to the signature under which
	// compatible nodes are co-scheduled.
	GroupFn(ranges ir.IterRanges) GroupSig

	// Codegen consumes every node enqueued under the given group signature
	// (via Driver.PopGroup) and emits one fused kernel for them.
	Codegen(sig GroupSig)

	// CodegenExternCall emits the call for one opaque external kernel.
	CodegenExternCall(node Node)

	// Flush finalizes any buffered emission. Called before device switches
	// and at the end of scheduling.
	Flush()
}

// TemplateScheduling is the optional capability of backends that can fold an
// eligible extern kernel into a templated kernel with a fused epilogue. A
// backend that does not implement it gets the plain extern-call path.
type TemplateScheduling interface {
	Scheduling

	// TemplateGroupFn maps a template kernel's iteration space to the group
	// signature its epilogue nodes must match.
	TemplateGroupFn(ranges ir.IterRanges) GroupSig

	// CodegenTemplate emits the templated kernel for node, pulling in
	// epilogue nodes from the open group. The allocation decision for the
	// node's output is the backend's.
	CodegenTemplate(node Node)
}

// Constructor builds the Scheduling backend for one device.
type Constructor func(driver Driver, device ir.Device) Scheduling

var registeredConstructors = make(map[string]Constructor)

// Register the backend constructor for a device type (e.g. "cpu", "cuda").
//
// To be safe, call Register during initialization of a package.
func Register(deviceType string, constructor Constructor) {
	registeredConstructors[deviceType] = constructor
}

// NewForDevice instantiates the registered backend for the device. It panics
// if no backend was registered for the device type: scheduling cannot proceed
// without one.
func NewForDevice(driver Driver, device ir.Device) Scheduling {
	constructor, found := registeredConstructors[device.Type]
	if !found {
		exceptions.Panicf("no codegen backend registered for device type %q -- import one, e.g. the reference backend codegen/simplegen", device.Type)
	}
	return constructor(driver, device)
}
