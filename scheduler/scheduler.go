package scheduler

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/types"
)

// groupEntry tracks one runnable fusion group: the best priority among its
// nodes, how many nodes it holds, and when it first became runnable.
// Selection order is (priority, count) descending, then first-runnable order.
type groupEntry struct {
	priority int
	count    int
	seq      int
}

// Scheduler owns the node arena, the readiness queues, and the
// buffer-liveness bookkeeping, and drives the group-by-group codegen loop.
// It is not safe for concurrent use; one Scheduler schedules one graph,
// once.
type Scheduler struct {
	graph   *ir.Graph
	cfg     Config
	wrapper codegen.Wrapper

	backends      map[ir.Device]codegen.Scheduling
	currentDevice ir.Device
	hasDevice     bool

	// nodes holds the live (non-dead) nodes in input order; nameToNode is the
	// arena resolving name handles, and keeps eliminated nodes too.
	nodes      []*Node
	nameToNode map[string]*Node

	runnableGroups map[codegen.GroupKey]*groupEntry
	groupSeq       int
	runnableNodes  map[codegen.GroupKey][]*Node
	runnableExtern []*Node
	blocked        *blockedNodes

	runCount int
	runOrder []string

	// Buffer-name liveness universes. A name is in at most one of
	// available/pending at a time; checkCanFree holds names whose producers
	// just finished and whose inputs should be checked for freeing.
	availableBufferNames types.Set[string]
	pendingBufferNames   types.Set[string]
	checkCanFree         types.Set[string]

	// fusableDeps are the write records emitted into the currently open
	// kernel: a blocked node whose whole remaining dependency set is fusable
	// may be pulled into the open group.
	fusableDeps   deps.Set
	currentKernel codegen.Kernel
	kernelCount   int

	// Mutation is modeled by renaming overwritten versions of a buffer.
	// mutationRenames maps a buffer name to the node that most recently
	// mutated it; mutationRealName maps back to the original name for
	// codegen and freeing.
	mutationRenames  map[string]string
	mutationRealName map[string]string
}

var _ codegen.Driver = (*Scheduler)(nil)

// New builds the scheduler for the graph: it creates one node per producer,
// computes the full dependency closure and user lists (resolving aliasing and
// mutation renaming), eliminates dead nodes, and seeds the readiness index.
//
// It returns a configuration error if a producer has an unknown kind.
func New(graph *ir.Graph, cfg Config) (*Scheduler, error) {
	wrapper := cfg.Wrapper
	if wrapper == nil {
		wrapper = codegen.NewProgramWrapper(graph)
	}
	s := &Scheduler{
		graph:                graph,
		cfg:                  cfg,
		wrapper:              wrapper,
		backends:             make(map[ir.Device]codegen.Scheduling),
		nameToNode:           make(map[string]*Node),
		runnableGroups:       make(map[codegen.GroupKey]*groupEntry),
		runnableNodes:        make(map[codegen.GroupKey][]*Node),
		blocked:              newBlockedNodes(),
		availableBufferNames: graph.Inputs.Clone(),
		pendingBufferNames:   types.MakeSet[string](),
		checkCanFree:         types.MakeSet[string](),
		fusableDeps:          deps.MakeSet(),
		mutationRenames:      make(map[string]string),
		mutationRealName:     make(map[string]string),
	}
	s.availableBufferNames.InsertSet(graph.Constants)

	for _, buf := range graph.Buffers {
		node, err := s.newNode(buf)
		if err != nil {
			return nil, err
		}
		s.nodes = append(s.nodes, node)
		s.nameToNode[node.Name()] = node
	}

	s.computeUsers()
	s.deadNodeElimination()
	if cfg.GraphDump != nil {
		s.dumpGraph(cfg.GraphDump)
	}
	s.enqueueAll(s.nodes)
	// No-op nodes run eagerly during enqueue; promote their buffers so nodes
	// gated only on them are runnable before the first kernel.
	s.Barrier()
	return s, nil
}

// newNode wraps one producer, deriving its scheduling metadata: dependency
// records, group key, and -- for extern kernels -- template eligibility.
func (s *Scheduler) newNode(buf *ir.Buffer) (*Node, error) {
	node := &Node{buffer: buf}
	node.setReadWrites(buf.ReadWrites(), s.availableBufferNames)
	switch buf.Kind {
	case ir.KindNop:
		// Nothing else to derive.
	case ir.KindComputed:
		backend := s.getBackend(buf.Device)
		node.group = codegen.GroupKey{Device: buf.Device, Sig: backend.GroupFn(buf.Ranges)}
	case ir.KindExtern:
		if buf.TemplateKind == "" || !s.cfg.TemplateFusion {
			break
		}
		backend := s.getBackend(buf.Device)
		ts, ok := backend.(codegen.TemplateScheduling)
		if !ok {
			// Capability mismatch: fall back to the ordinary extern path.
			klog.Warningf("extern kernel %q is template-eligible (%s) but the %q backend has no template support; using plain codegen",
				buf.Name, buf.TemplateKind, buf.Device.Type)
			break
		}
		node.useTemplate = true
		node.group = codegen.GroupKey{Device: buf.Device, Sig: ts.TemplateGroupFn(buf.Ranges)}
		s.refineTemplateWrite(node)
	default:
		return nil, errors.Errorf("graph node %q has unsupported kind %d", buf.Name, buf.Kind)
	}
	if klog.V(2).Enabled() {
		klog.Infof("node %s (%s) touches %s", buf.Name, buf.Kind,
			strings.Join(node.readWrites.SortedNames(), ", "))
	}
	return node, nil
}

// refineTemplateWrite narrows a template kernel's coarse whole-buffer write
// to the canonical precise record, so epilogue nodes reading the output can
// match it for fusion.
func (s *Scheduler) refineTemplateWrite(node *Node) {
	write, found := node.readWrites.Writes.Single()
	if !found {
		return
	}
	if _, isStar := write.(deps.StarDep); !isStar {
		return
	}
	writes := deps.SetWith(node.buffer.CanonicalWrite())
	node.setReadWrites(deps.ReadWrites{Reads: node.readWrites.Reads, Writes: writes},
		s.availableBufferNames)
}

// getBackend returns the codegen backend for the device, instantiating it on
// first use.
func (s *Scheduler) getBackend(device ir.Device) codegen.Scheduling {
	if backend, found := s.backends[device]; found {
		return backend
	}
	s.graph.DeviceTypes.Insert(device.Type)
	backend := codegen.NewForDevice(s, device)
	s.backends[device] = backend
	return backend
}

// enqueueAll enqueues the nodes in order.
func (s *Scheduler) enqueueAll(nodes []*Node) {
	for _, node := range nodes {
		s.enqueue(node)
	}
}

// enqueue routes one node: blocked if it still has unmet dependencies,
// otherwise to the extern FIFO, the per-group runnable queues, or -- for
// no-op nodes -- run eagerly on the spot.
func (s *Scheduler) enqueue(node *Node) {
	if len(node.unmet) > 0 {
		s.blocked.add(node)
		return
	}
	switch node.Kind() {
	case ir.KindExtern:
		s.runnableExtern = append(s.runnableExtern, node)
	case ir.KindNop:
		s.runNop(node)
	case ir.KindComputed:
		group := node.group
		s.runnableNodes[group] = append(s.runnableNodes[group], node)
		entry, found := s.runnableGroups[group]
		if !found {
			entry = &groupEntry{seq: s.groupSeq}
			s.groupSeq++
			s.runnableGroups[group] = entry
		}
		entry.priority = max(entry.priority, node.priority())
		entry.count++
	}
}

// popBestGroup removes and returns the highest-priority runnable group:
// max (priority, count), ties broken by the order groups became runnable.
func (s *Scheduler) popBestGroup() codegen.GroupKey {
	var best codegen.GroupKey
	var bestEntry *groupEntry
	for group, entry := range s.runnableGroups {
		if bestEntry == nil ||
			entry.priority > bestEntry.priority ||
			(entry.priority == bestEntry.priority && entry.count > bestEntry.count) ||
			(entry.priority == bestEntry.priority && entry.count == bestEntry.count && entry.seq < bestEntry.seq) {
			best, bestEntry = group, entry
		}
	}
	delete(s.runnableGroups, best)
	return best
}

// Codegen runs the whole scheduling loop: it emits code for every runnable
// node, group by group, delegating to the per-device backends, and finishes
// with a flush of all of them.
//
// It returns a cycle error if any node never became runnable.
func (s *Scheduler) Codegen() error {
	for len(s.runnableGroups) > 0 || len(s.runnableExtern) > 0 {
		if len(s.runnableExtern) > 0 {
			node := s.runnableExtern[0]
			s.runnableExtern = s.runnableExtern[1:]
			s.runExtern(node)
			continue
		}
		group := s.popBestGroup()
		if !s.hasDevice || group.Device != s.currentDevice {
			s.flushAll()
			s.currentDevice, s.hasDevice = group.Device, true
		}
		s.getBackend(group.Device).Codegen(group.Sig)
	}
	s.flushAll()

	if s.runCount != len(s.nodes) {
		return s.cycleError()
	}
	return nil
}

// cycleError reports the nodes that remained permanently blocked: a true
// dependency cycle, indicating a misrecorded producer or mutation edge.
func (s *Scheduler) cycleError() error {
	var stuck []string
	for _, node := range s.nodes {
		if !s.pendingBufferNames.Has(node.Name()) && !s.availableBufferNames.Has(node.Name()) {
			stuck = append(stuck, node.Name())
		}
	}
	var details strings.Builder
	for _, name := range stuck {
		details.WriteString("\n\t")
		details.WriteString(name)
		details.WriteString(" waiting on ")
		for i, d := range s.nameToNode[name].unmet.Sorted() {
			if i > 0 {
				details.WriteString(", ")
			}
			details.WriteString(d.String())
		}
	}
	return errors.Errorf("dependency cycle: %d node(s) never became runnable:%s",
		len(stuck), details.String())
}

// runNop emits a no-op node: its buffer is already satisfied, only liveness
// bookkeeping happens.
func (s *Scheduler) runNop(node *Node) {
	klog.V(1).Infof("RUN NOP %s", node.Name())
	s.allocate(node)
	s.markRun(node)
}

// markRun records that a node's code has been emitted. Its buffer becomes
// pending until the next Barrier.
func (s *Scheduler) markRun(node *Node) {
	s.runCount++
	s.runOrder = append(s.runOrder, node.Name())
	s.pendingBufferNames.Insert(node.Name())
}

// runExtern emits one opaque external call, via the template path when the
// backend supports it, and runs the barrier and liveness sweep after.
func (s *Scheduler) runExtern(node *Node) {
	klog.V(1).Infof("RUN EXTERN %s", node.Name())
	s.flushAll()
	s.currentDevice, s.hasDevice = node.Device(), true
	backend := s.getBackend(node.Device())
	if node.useTemplate {
		// Storage allocation is the backend's decision on the template path.
		backend.(codegen.TemplateScheduling).CodegenTemplate(&backendNode{s: s, n: node})
		return
	}
	s.allocate(node)
	s.markRun(node)
	backend.CodegenExternCall(&backendNode{s: s, n: node})
	s.Barrier()
	s.MaybeFreeBuffers()
}

// runComputed emits one computed node into the open kernel.
func (s *Scheduler) runComputed(node *Node, w ir.BodyWriter, iterVars, reduceVars []deps.Expr) {
	klog.V(1).Infof("RUN %s", node.Name())
	s.allocate(node)
	s.markRun(node)
	node.buffer.Body(w, iterVars, reduceVars)
}

// allocate emits storage allocation for the node's output, or reuses an
// input's storage in place when permitted: the input must be reusable at all,
// must have exactly one remaining unconsumed user, that user must be this
// node with an in-place-capable read, and the input must not alias other
// live storage.
func (s *Scheduler) allocate(node *Node) {
	buf := node.buffer
	if buf.Kind == ir.KindComputed && buf.ShouldAllocate() &&
		len(buf.Aliases) == 0 && len(buf.Mutations) == 0 && s.cfg.InplaceBuffers {
		for _, read := range node.readWrites.Reads.Sorted() {
			input := s.nameToNode[read.BufferName()]
			if input == nil || len(input.buffer.Aliases) > 0 || !s.wrapper.CanReuse(input.buffer) {
				continue
			}
			remaining := input.remainingUses(s.availableBufferNames)
			if len(remaining) != 1 {
				continue
			}
			use := remaining[0]
			if use.Output || !use.CanInplace || use.Name != node.Name() {
				continue
			}
			s.wrapper.CodegenInplaceReuse(input.buffer, buf)
			if s.currentKernel != nil {
				s.currentKernel.MakeInplace(input.Name(), node.Name())
			}
			return
		}
	}
	if buf.ShouldAllocate() || node.useTemplate {
		s.wrapper.CodegenAllocation(buf)
	}
}

// remainingUses returns the node's users that have not completed yet.
func (n *Node) remainingUses(available types.Set[string]) []NodeUser {
	var remaining []NodeUser
	for _, use := range n.users {
		if use.Output || !available.Has(use.Name) {
			remaining = append(remaining, use)
		}
	}
	return remaining
}

// Barrier implements codegen.Driver: every pending buffer becomes available,
// and nodes that were waiting on them are promoted to runnable. No-op nodes
// enqueued this way run eagerly, which may produce new pending buffers, so
// the promotion loops to a fixed point.
func (s *Scheduler) Barrier() {
	for len(s.pendingBufferNames) > 0 {
		s.availableBufferNames.InsertSet(s.pendingBufferNames)
		s.checkCanFree.InsertSet(s.pendingBufferNames)
		var becameRunnable []*Node
		for _, name := range types.SortedKeys(s.pendingBufferNames) {
			for _, node := range s.blocked.popName(name) {
				node.pruneDeps(s.availableBufferNames)
				becameRunnable = append(becameRunnable, node)
			}
		}
		s.pendingBufferNames.Clear()
		s.enqueueAll(becameRunnable)
	}
}

// canFree reports whether the node's buffer may be released: every user has
// completed and none is a pinned graph output.
func (s *Scheduler) canFree(node *Node) bool {
	for _, use := range node.users {
		if use.Output || !s.availableBufferNames.Has(use.Name) {
			return false
		}
	}
	return true
}

// MaybeFreeBuffers implements codegen.Driver: for each buffer that just
// completed, check whether the buffers it consumed have any reader left, and
// release the ones that do not, resolving mutation rename chains back to the
// real storage.
func (s *Scheduler) MaybeFreeBuffers() {
	for _, doneName := range types.SortedKeys(s.checkCanFree) {
		doneNode := s.nameToNode[doneName]
		if doneNode == nil {
			continue
		}
		for _, producerName := range doneNode.inverseUsers {
			producer := s.nameToNode[producerName]
			if producer == nil || !s.canFree(producer) {
				continue
			}
			name := producer.Name()
			if _, isMutated := s.mutationRenames[name]; isMutated {
				// A later mutation owns this storage now.
				continue
			}
			if realName, found := s.mutationRealName[name]; found {
				if realNode := s.nameToNode[realName]; realNode != nil {
					s.wrapper.CodegenFree(realNode.buffer)
				}
				continue
			}
			s.wrapper.CodegenFree(producer.buffer)
		}
	}
	s.checkCanFree.Clear()
}

// WithKernel implements codegen.Driver: it opens the kernel for emission,
// resetting the fusable-dependency set, runs fn, and closes it again.
func (s *Scheduler) WithKernel(kernel codegen.Kernel, fn func()) {
	klog.V(1).Infof("NEW KERNEL")
	s.fusableDeps = deps.MakeSet()
	s.kernelCount++
	previous := s.currentKernel
	s.currentKernel = kernel
	defer func() { s.currentKernel = previous }()
	fn()
}

// PopGroup implements codegen.Driver: it drains the nodes enqueued under the
// open group, plus any blocked node whose entire remaining dependency set is
// covered by the kernel's fusable writes. Returns nil when nothing more can
// be pulled in.
func (s *Scheduler) PopGroup(sig codegen.GroupSig) []codegen.Node {
	group := codegen.GroupKey{Device: s.currentDevice, Sig: sig}
	var result []codegen.Node
	if nodes, found := s.runnableNodes[group]; found {
		delete(s.runnableNodes, group)
		delete(s.runnableGroups, group)
		for _, node := range nodes {
			result = append(result, &backendNode{s: s, n: node})
		}
	}
	if len(s.fusableDeps) > 0 {
		for {
			fusable := s.blocked.popFusable(s.fusableDeps, group)
			if len(fusable) == 0 {
				break
			}
			for _, node := range fusable {
				result = append(result, &backendNode{s: s, n: node})
			}
		}
	}
	return result
}

// RemoveKernelLocalBuffers implements codegen.Driver: a pending buffer whose
// every use was fused into the kernel just emitted never needs to
// materialize.
func (s *Scheduler) RemoveKernelLocalBuffers() {
	for _, name := range types.SortedKeys(s.pendingBufferNames) {
		if s.currentKernel != nil && s.currentKernel.MustKeep(name) {
			continue
		}
		node := s.nameToNode[name]
		if node == nil {
			continue
		}
		live := false
		for _, use := range node.users {
			if use.Output || !s.pendingBufferNames.Has(use.Name) {
				live = true
				break
			}
		}
		if !live {
			s.RemoveBuffer(name)
		}
	}
}

// RemoveBuffer implements codegen.Driver: the buffer is marked removed and
// codegen will never allocate it.
func (s *Scheduler) RemoveBuffer(name string) {
	klog.V(2).Infof("removed kernel-local buffer: %s", name)
	if s.currentKernel != nil {
		s.currentKernel.RemoveBuffer(name)
	}
	s.graph.RemovedBuffers.Insert(name)
}

// markFusable publishes the node's writes as fusable within the open kernel.
func (s *Scheduler) markFusable(node *Node, broadcastAfterReduce bool) {
	for _, write := range node.readWrites.Writes.Sorted() {
		s.fusableDeps.Insert(write)
		mem, ok := write.(deps.MemoryDep)
		if !ok {
			continue
		}
		if node.IsReduction() {
			// The reduction keeps the reduced dims in its sizes; downstream
			// consumers address the output without them.
			s.fusableDeps.Insert(mem.StripLastSize())
			// A reduction not on the last dim swaps the sizes, and downstream
			// records expect unswapped. Fusing through swapped sizes is
			// disabled: the size bookkeeping it needs is unresolved.
			// TODO: revisit swapped-size fusion once MemoryDep carries the
			// dimension permutation.
		}
		if broadcastAfterReduce && len(node.buffer.Ranges.Reduce) > 0 {
			s.fusableDeps.Insert(mem.BroadcastExtendSizes(node.buffer.Ranges.Reduce...))
		}
	}
}

// canRemoveBuffer reports whether the reduction node's output can be elided:
// its single consumer is a point-wise node being fused into the same kernel
// and that consumer's only remaining dependency is this node's write.
func (s *Scheduler) canRemoveBuffer(node *Node, checkGroup func(codegen.Node) bool) bool {
	if !node.IsReduction() || len(node.users) != 1 {
		return false
	}
	use := node.users[0]
	if use.Output {
		return false
	}
	user := s.nameToNode[use.Name]
	if user == nil || user.Kind() != ir.KindComputed || user.IsReduction() {
		return false
	}
	if len(user.unmet) != 1 {
		return false
	}
	if !checkGroup(&backendNode{s: s, n: user}) {
		return false
	}
	dep, _ := user.unmet.Single()
	writes := node.readWrites.Writes.Clone()
	if len(node.buffer.Ranges.Reduce) > 0 {
		for _, write := range node.readWrites.Writes.Sorted() {
			if mem, ok := write.(deps.MemoryDep); ok {
				writes.Insert(mem.BroadcastExtendSizes(node.buffer.Ranges.Reduce...))
			}
		}
	}
	return writes.Has(dep)
}

// flushAll finalizes buffered emission on every backend.
func (s *Scheduler) flushAll() {
	for _, device := range s.sortedBackendDevices() {
		s.backends[device].Flush()
	}
}

func (s *Scheduler) sortedBackendDevices() []ir.Device {
	devices := types.MakeSet[string](len(s.backends))
	byKey := make(map[string]ir.Device, len(s.backends))
	for device := range s.backends {
		devices.Insert(device.String())
		byKey[device.String()] = device
	}
	result := make([]ir.Device, 0, len(byKey))
	for _, key := range types.SortedKeys(devices) {
		result = append(result, byKey[key])
	}
	return result
}

// Graph implements codegen.Driver.
func (s *Scheduler) Graph() *ir.Graph { return s.graph }

// Wrapper implements codegen.Driver.
func (s *Scheduler) Wrapper() codegen.Wrapper { return s.wrapper }

// RunCount implements codegen.Driver.
func (s *Scheduler) RunCount() int { return s.runCount }

// RunOrder returns the names of the nodes in the order their code was
// emitted.
func (s *Scheduler) RunOrder() []string { return s.runOrder }

// Nodes returns the live scheduled nodes, in input order.
func (s *Scheduler) Nodes() []*Node { return s.nodes }

// backendNode pairs the scheduler with one of its nodes to implement the
// codegen.Node view handed to backends.
type backendNode struct {
	s *Scheduler
	n *Node
}

var _ codegen.Node = (*backendNode)(nil)

func (b *backendNode) Name() string          { return b.n.Name() }
func (b *backendNode) Buffer() *ir.Buffer    { return b.n.buffer }
func (b *backendNode) Ranges() ir.IterRanges { return b.n.buffer.Ranges }
func (b *backendNode) IsReduction() bool     { return b.n.IsReduction() }
func (b *backendNode) Allocate()             { b.s.allocate(b.n) }

func (b *backendNode) MarkRun() { b.s.markRun(b.n) }

func (b *backendNode) Run(w ir.BodyWriter, iterVars, reduceVars []deps.Expr) {
	b.s.runComputed(b.n, w, iterVars, reduceVars)
}

func (b *backendNode) MarkFusable(broadcastAfterReduce bool) {
	b.s.markFusable(b.n, broadcastAfterReduce)
}

func (b *backendNode) CanRemoveBuffer(checkGroup func(codegen.Node) bool) bool {
	return b.s.canRemoveBuffer(b.n, checkGroup)
}
