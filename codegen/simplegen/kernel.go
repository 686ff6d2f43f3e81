package simplegen

import (
	"fmt"

	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
	"github.com/gomlx/fuser/types"
)

// Kernel accumulates the body of one fused kernel as lines of text. The
// ranges of the first node establish the kernel's loop nest; fused nodes
// share it.
type Kernel struct {
	name   string
	lines  []string
	indent string

	ranges    ir.IterRanges
	hasRanges bool
	iterVars  []deps.Expr
	redVars   []deps.Expr

	// removed holds output arguments tombstoned rather than deleted, so
	// argument naming stays stable; inplaced maps outputs redirected onto an
	// input's storage.
	removed  types.Set[string]
	inplaced map[string]string
	mustKeep types.Set[string]
}

var _ codegen.Kernel = (*Kernel)(nil)

func newKernel(name string) *Kernel {
	return &Kernel{
		name:     name,
		removed:  types.MakeSet[string](),
		inplaced: make(map[string]string),
		mustKeep: types.MakeSet[string](),
	}
}

// Linef implements ir.BodyWriter.
func (k *Kernel) Linef(format string, args ...any) {
	k.lines = append(k.lines, k.indent+fmt.Sprintf(format, args...))
}

// MakeInplace implements codegen.Kernel. An in-place output argument must
// stay materialized: the storage it writes belongs to the caller-visible
// input.
func (k *Kernel) MakeInplace(inputName, outputName string) {
	k.inplaced[outputName] = inputName
	k.mustKeep.Insert(inputName, outputName)
}

// MustKeep implements codegen.Kernel.
func (k *Kernel) MustKeep(name string) bool {
	return k.mustKeep.Has(name)
}

// RemoveBuffer implements codegen.Kernel.
func (k *Kernel) RemoveBuffer(name string) {
	k.removed.Insert(name)
}

// setRanges establishes (or reuses) the kernel's loop nest and returns the
// index variables for a node with the given ranges.
func (k *Kernel) setRanges(ranges ir.IterRanges) (iterVars, reduceVars []deps.Expr) {
	if !k.hasRanges {
		k.hasRanges = true
		k.ranges = ranges
		for i, size := range ranges.Iter {
			v := deps.Expr(fmt.Sprintf("i%d", i))
			k.iterVars = append(k.iterVars, v)
			k.Linef("for %s := range %d {", v, size)
			k.indent += "\t"
		}
		for i, size := range ranges.Reduce {
			v := deps.Expr(fmt.Sprintf("r%d", i))
			k.redVars = append(k.redVars, v)
			k.Linef("for %s := range %d {", v, size)
			k.indent += "\t"
		}
	}
	iterVars = k.iterVars[:min(len(k.iterVars), len(ranges.Iter))]
	reduceVars = k.redVars[:min(len(k.redVars), len(ranges.Reduce))]
	return
}

// render writes the finished kernel into the wrapper.
func (k *Kernel) render(w codegen.Wrapper) {
	w.Linef("func %s() {", k.name)
	for _, line := range k.lines {
		w.Linef("\t%s", line)
	}
	for k.indent != "" {
		k.indent = k.indent[1:]
		w.Linef("\t%s}", k.indent)
	}
	w.Linef("}")
	for _, name := range types.SortedKeys(k.removed) {
		w.Linef("// %s: arg %s removed (kernel-local)", k.name, name)
	}
}
