package scheduler

import (
	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/types"
)

// nodeBox lets an entry in the blocked index be invalidated without removing
// it: one node is indexed under many keys at once, and popping it under one
// key tombstones it everywhere else.
type nodeBox struct {
	node *Node
}

func (b *nodeBox) valid() bool { return b.node != nil }

func (b *nodeBox) pop() *Node {
	n := b.node
	b.node = nil
	return n
}

func (b *nodeBox) peek() *Node { return b.node }

// blockedNodes indexes not-yet-runnable nodes by the buffer names and the
// individual dependency records they still wait on. All operations skip
// tombstoned entries.
type blockedNodes struct {
	nameToNodes map[string][]*nodeBox
	depToNodes  map[deps.Key][]*nodeBox
}

func newBlockedNodes() *blockedNodes {
	return &blockedNodes{
		nameToNodes: make(map[string][]*nodeBox),
		depToNodes:  make(map[deps.Key][]*nodeBox),
	}
}

// add indexes the node under every one of its currently-unmet dependency
// records and the buffer names they reference.
func (b *blockedNodes) add(node *Node) {
	box := &nodeBox{node: node}
	names := types.MakeSet[string]()
	for _, d := range node.unmet.Sorted() {
		b.depToNodes[d.Key()] = append(b.depToNodes[d.Key()], box)
		names.Insert(d.BufferName())
	}
	for _, name := range types.SortedKeys(names) {
		b.nameToNodes[name] = append(b.nameToNodes[name], box)
	}
}

// popName removes and returns the nodes waiting on the buffer name.
func (b *blockedNodes) popName(name string) []*Node {
	boxes := b.nameToNodes[name]
	delete(b.nameToNodes, name)
	var result []*Node
	for _, box := range boxes {
		if box.valid() {
			result = append(result, box.pop())
		}
	}
	return result
}

// popFusable removes and returns the waiting nodes whose entire remaining
// unmet-dependency set is covered by fusable and whose group key equals
// group: they may be pulled into the open fusion group even though their
// dependencies are not individually available yet.
func (b *blockedNodes) popFusable(fusable deps.Set, group codegen.GroupKey) []*Node {
	fusableKeys := fusable.Keys()
	var result []*Node
	for _, key := range types.SortedKeys(fusableKeys) {
		// Compact tombstones while scanning.
		kept := b.depToNodes[key][:0]
		for _, box := range b.depToNodes[key] {
			if !box.valid() {
				continue
			}
			kept = append(kept, box)
		}
		b.depToNodes[key] = kept
		for _, box := range kept {
			node := box.peek()
			if node.group == group && node.unmet.SubsetOfKeys(fusableKeys) {
				result = append(result, box.pop())
			}
		}
	}
	return result
}
