package scheduler

import (
	"fmt"
	"io"

	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/types"
)

// dumpGraph writes the scheduled dependency graph in DOT format: one node
// per producer, labeled with its kind and fusion group, one edge per read
// dependency. Buffers with no producer (graph inputs, constants) appear as
// plain boxes.
func (s *Scheduler) dumpGraph(w io.Writer) {
	fmt.Fprintln(w, "digraph schedule {")
	fmt.Fprintln(w, "\trankdir=TB;")
	externals := types.MakeSet[string]()
	for _, node := range s.nodes {
		var group string
		switch {
		case node.Kind() == ir.KindNop:
			group = "nop"
		case node.Kind() == ir.KindExtern && !node.useTemplate:
			group = "extern"
		default:
			group = string(node.group.Sig)
		}
		fmt.Fprintf(w, "\t%q [shape=ellipse, label=\"%s\\n%s %s\"];\n",
			node.Name(), node.Name(), node.Kind(), group)
	}
	for _, node := range s.nodes {
		for _, read := range node.readWrites.Reads.Sorted() {
			from := read.BufferName()
			if _, isNode := s.nameToNode[from]; !isNode {
				externals.Insert(from)
			}
			fmt.Fprintf(w, "\t%q -> %q;\n", from, node.Name())
		}
	}
	for _, name := range types.SortedKeys(externals) {
		fmt.Fprintf(w, "\t%q [shape=box];\n", name)
	}
	fmt.Fprintln(w, "}")
}
