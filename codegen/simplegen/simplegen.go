// Package simplegen implements a simple, portable reference codegen backend:
// it renders fused kernels and extern calls as readable pseudo-Go text in the
// wrapper, instead of real device instructions.
//
// It exists so the scheduler can be exercised and tested end to end without a
// device toolchain; a real backend replaces the text emission but keeps the
// same control flow against the scheduler's Driver API.
package simplegen

import (
	"fmt"
	"strings"

	"github.com/gomlx/fuser/codegen"
	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/ir"
)

// DeviceType under which the backend registers itself.
const DeviceType = "go"

// Registers the backend for the "go" device type.
func init() {
	codegen.Register(DeviceType, New)
}

// New constructs the backend for one device. It also serves as the
// constructor for additional device types in tests:
// codegen.Register("cpu", simplegen.New).
func New(driver codegen.Driver, device ir.Device) codegen.Scheduling {
	return &Scheduling{driver: driver, device: device}
}

// Scheduling emits code for one device.
type Scheduling struct {
	driver codegen.Driver
	device ir.Device

	kernelCount int
	pending     []*Kernel
}

// Compile-time check that the template path is available.
var _ codegen.TemplateScheduling = (*Scheduling)(nil)

// GroupFn implements codegen.Scheduling: nodes are co-scheduled when the
// products of their iteration and reduction size groups match.
func (b *Scheduling) GroupFn(ranges ir.IterRanges) codegen.GroupSig {
	return codegen.GroupSig(fmt.Sprintf("p%d_r%d", product(ranges.Iter), product(ranges.Reduce)))
}

// TemplateGroupFn implements codegen.TemplateScheduling. The epilogue of a
// template kernel iterates the template's own output space.
func (b *Scheduling) TemplateGroupFn(ranges ir.IterRanges) codegen.GroupSig {
	return b.GroupFn(ranges)
}

func product(sizes []int64) int64 {
	p := int64(1)
	for _, size := range sizes {
		p *= size
	}
	return p
}

func joinVars(vars []deps.Expr) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// Codegen implements codegen.Scheduling: it opens one fused kernel and drains
// the group into it, looping because each emitted node can make more blocked
// nodes fusable. A reduction group additionally drains its point-wise
// epilogue group, so consumers of the reduced value fuse into the same
// kernel.
func (b *Scheduling) Codegen(sig codegen.GroupSig) {
	kernel := newKernel(fmt.Sprintf("kernel%d", b.kernelCount))
	b.kernelCount++
	sigs := append([]codegen.GroupSig{sig}, epilogueSigs(sig)...)
	driver := b.driver
	driver.WithKernel(kernel, func() {
		for {
			ran := false
			for _, groupSig := range sigs {
				for _, node := range driver.PopGroup(groupSig) {
					if node.CanRemoveBuffer(b.inGroups(sigs)) {
						driver.RemoveBuffer(node.Name())
					}
					iterVars, reduceVars := kernel.setRanges(node.Ranges())
					node.Run(kernel, iterVars, reduceVars)
					node.MarkFusable(false)
					ran = true
				}
			}
			if !ran {
				break
			}
		}
		driver.RemoveKernelLocalBuffers()
	})
	b.pending = append(b.pending, kernel)
	driver.Barrier()
	driver.MaybeFreeBuffers()
}

// epilogueSigs returns the point-wise groups a reduction group also drains:
// consumers spanning the full iteration-times-reduction space, and consumers
// of the reduced output.
func epilogueSigs(sig codegen.GroupSig) []codegen.GroupSig {
	var p, r int64
	if _, err := fmt.Sscanf(string(sig), "p%d_r%d", &p, &r); err != nil || r == 1 {
		return nil
	}
	return []codegen.GroupSig{
		codegen.GroupSig(fmt.Sprintf("p%d_r1", p*r)),
		codegen.GroupSig(fmt.Sprintf("p%d_r1", p)),
	}
}

// inGroups reports whether a node would be emitted under the open kernel.
func (b *Scheduling) inGroups(sigs []codegen.GroupSig) func(codegen.Node) bool {
	return func(node codegen.Node) bool {
		if node.Buffer().Device != b.device {
			return false
		}
		nodeSig := b.GroupFn(node.Ranges())
		for _, sig := range sigs {
			if nodeSig == sig {
				return true
			}
		}
		return false
	}
}

// CodegenExternCall implements codegen.Scheduling: the call is emitted
// directly into the wrapper, between kernels.
func (b *Scheduling) CodegenExternCall(node codegen.Node) {
	buf := node.Buffer()
	b.driver.Wrapper().Linef("%s = %s(%s)", buf.Name, buf.Kernel, strings.Join(buf.Args, ", "))
}

// CodegenTemplate implements codegen.TemplateScheduling: the extern call is
// folded into a templated kernel, and point-wise epilogue nodes over the
// template's output space are pulled in until no more fuse.
func (b *Scheduling) CodegenTemplate(node codegen.Node) {
	buf := node.Buffer()
	kernel := newKernel(fmt.Sprintf("template_%s_%d", buf.TemplateKind, b.kernelCount))
	b.kernelCount++
	driver := b.driver
	driver.WithKernel(kernel, func() {
		node.Allocate()
		node.MarkRun()
		// The call writes through the output buffer; it can never be elided.
		kernel.mustKeep.Insert(buf.Name)
		iterVars, _ := kernel.setRanges(node.Ranges())
		kernel.Linef("%s[%s] = %s(%s)", buf.Name, joinVars(iterVars), buf.Kernel, strings.Join(buf.Args, ", "))
		node.MarkFusable(true)

		// Epilogue fusion to a fixed point: each pulled node can publish new
		// fusable writes.
		sig := b.TemplateGroupFn(node.Ranges())
		for {
			before := driver.RunCount()
			for _, epilogue := range driver.PopGroup(sig) {
				epIterVars, epReduceVars := kernel.setRanges(epilogue.Ranges())
				epilogue.Run(kernel, epIterVars, epReduceVars)
				epilogue.MarkFusable(false)
			}
			if driver.RunCount() == before {
				break
			}
		}
		driver.RemoveKernelLocalBuffers()
	})
	b.pending = append(b.pending, kernel)
	driver.Barrier()
	driver.MaybeFreeBuffers()
}

// Flush implements codegen.Scheduling: buffered kernels are rendered into the
// wrapper in emission order.
func (b *Scheduling) Flush() {
	for _, kernel := range b.pending {
		kernel.render(b.driver.Wrapper())
	}
	b.pending = nil
}
