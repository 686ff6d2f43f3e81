package scheduler

import (
	"io"

	"github.com/gomlx/fuser/codegen"
)

// Config carries the scheduling knobs. There is no ambient configuration:
// everything is threaded explicitly through New.
type Config struct {
	// Wrapper receives the storage primitives and top-level emission. If nil,
	// a codegen.ProgramWrapper over the graph is used.
	Wrapper codegen.Wrapper

	// InplaceBuffers permits reusing an input buffer's storage for a node's
	// output when the node is the input's only remaining user.
	InplaceBuffers bool

	// TemplateFusion permits folding eligible extern kernels into templated
	// kernels, on backends that implement codegen.TemplateScheduling.
	TemplateFusion bool

	// GraphDump, if set, receives a DOT rendering of the scheduled dependency
	// graph right after construction.
	GraphDump io.Writer
}

// DefaultConfig returns the configuration used in production.
func DefaultConfig() Config {
	return Config{
		InplaceBuffers: true,
		TemplateFusion: true,
	}
}
