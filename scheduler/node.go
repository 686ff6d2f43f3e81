// Package scheduler orders, groups, and drives code generation for the
// producer nodes of one ir.Graph.
//
// It computes the dependency closure over the raw read/write records --
// resolving buffer mutation through a rename chain so readers are never
// scheduled against a stale version -- eliminates dead nodes, and then runs a
// group-by-group codegen loop: opaque external calls drain first in call
// order, otherwise the highest-priority runnable fusion group is handed to
// the per-device backend, with compatible blocked nodes pulled into the open
// group as their producers are emitted. Buffer liveness is tracked
// throughout, so storage is allocated lazily and freed as soon as safe.
//
// The scheduler is single-threaded: one pass, one group open at a time, and
// scheduling the same graph twice yields the same emission order.
package scheduler

import (
	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/types"
)

// Node priorities: higher runs first among otherwise-independent runnable
// work. Reductions run before point-wise nodes because a coarser iteration
// space tends to gate more downstream fusions.
const (
	priorityPointwise = 1
	priorityReduction = 2
	priorityExtern    = 100
	priorityNop       = 200
)

// Node is one scheduled producer. The scheduler owns all nodes in an arena
// keyed by buffer name; node-to-node references (users, inverseUsers) are
// name handles resolved through the arena, never pointers between nodes.
type Node struct {
	buffer *ir.Buffer

	// readWrites are the node's dependency records after mutation renaming;
	// unmet is the subset of reads not yet available. It only ever shrinks;
	// once empty the node is runnable exactly once.
	readWrites deps.ReadWrites
	unmet      deps.Set

	// users are the downstream consumers of this node's buffer, including
	// synthetic terminal users pinning graph outputs and mutated inputs.
	users []NodeUser

	// inverseUsers are the names of the producers this node consumes from.
	inverseUsers []string

	// group is the fusion group key; meaningful for computed nodes and for
	// extern kernels taking the template path.
	group codegen.GroupKey

	// useTemplate is set when the extern kernel is template-eligible and the
	// device backend supports templated emission.
	useTemplate bool
}

// NodeUser is one consumer record of a buffer: either a real node (by name
// handle) or the synthetic terminal pinning a graph output / mutated input.
type NodeUser struct {
	// Name of the consuming node, or of the pinned buffer when Output is set.
	Name string

	// Output marks the synthetic terminal user.
	Output bool

	// CanInplace is set when the consumer may overwrite this buffer's storage
	// in place (it reads and writes the exact same memory region).
	CanInplace bool
}

func (u NodeUser) dedupKey() string {
	if u.Output {
		return "OUTPUT:" + u.Name
	}
	return u.Name
}

// Name of the buffer the node produces.
func (n *Node) Name() string { return n.buffer.Name }

// Kind of the underlying producer.
func (n *Node) Kind() ir.Kind { return n.buffer.Kind }

// Device the node runs on.
func (n *Node) Device() ir.Device { return n.buffer.Device }

// IsReduction reports whether the node is reduction-shaped.
func (n *Node) IsReduction() bool { return n.buffer.IsReduction() }

// Group returns the node's fusion group key.
func (n *Node) Group() codegen.GroupKey { return n.group }

// UnmetDependencies returns the node's not-yet-satisfied read records.
func (n *Node) UnmetDependencies() deps.Set { return n.unmet }

// Users returns the node's consumer records.
func (n *Node) Users() []NodeUser { return n.users }

func (n *Node) priority() int {
	switch n.buffer.Kind {
	case ir.KindNop:
		return priorityNop
	case ir.KindExtern:
		return priorityExtern
	case ir.KindComputed:
		if n.IsReduction() {
			return priorityReduction
		}
		return priorityPointwise
	}
	return 0
}

// setReadWrites replaces the dependency records and recomputes the unmet
// subset against the available set.
func (n *Node) setReadWrites(rw deps.ReadWrites, available types.Set[string]) {
	n.readWrites = rw
	n.unmet = rw.Reads.Clone()
	n.pruneDeps(available)
}

// pruneDeps drops unmet records whose buffer is already available.
func (n *Node) pruneDeps(available types.Set[string]) {
	for _, d := range n.unmet.Sorted() {
		if available.Has(d.BufferName()) {
			n.unmet.Delete(d)
		}
	}
}

// addMutationDep registers an extra coarse read on name: mutation ordering
// edges have no aliasing structure.
func (n *Node) addMutationDep(name string, available types.Set[string]) {
	n.setReadWrites(n.readWrites.WithRead(deps.StarDep{Buffer: name}), available)
}

// setUsers records the consumer list, deduplicated. A consumer appearing
// multiple times may write in place only if every one of its records allows
// it.
func (n *Node) setUsers(users []NodeUser) {
	byKey := make(map[string]int, len(users))
	result := make([]NodeUser, 0, len(users))
	for _, use := range users {
		key := use.dedupKey()
		if at, found := byKey[key]; found {
			result[at].CanInplace = result[at].CanInplace && use.CanInplace
			continue
		}
		byKey[key] = len(result)
		result = append(result, use)
	}
	n.users = result
}

// canInplace reports whether the node could overwrite the memory of the given
// read record: it writes exactly one region, and that region is the same as
// the one read.
func (n *Node) canInplace(read deps.Dep) bool {
	if n.buffer.Kind != ir.KindComputed || len(n.buffer.Aliases) > 0 {
		return false
	}
	readMem, ok := read.(deps.MemoryDep)
	if !ok {
		return false
	}
	write, found := n.readWrites.Writes.Single()
	if !found {
		return false
	}
	writeMem, ok := write.(deps.MemoryDep)
	if !ok {
		return false
	}
	return readMem.SameRegion(writeMem)
}
