package ir

import (
	"github.com/gomlx/fuser/types"
)

// Graph is one compiled dataflow graph: the ordered producer nodes plus the
// out-of-band information the scheduler needs -- which buffer names are graph
// inputs and constants (available from the start), and which are graph
// outputs (never eliminated, never freed).
//
// The scheduler writes back into MutatedInputs, RemovedBuffers and
// DeviceTypes as it runs; the front-end only reads them afterwards.
type Graph struct {
	// Buffers are the producer nodes, in the order the front-end created
	// them. This order is part of the determinism contract.
	Buffers []*Buffer

	// Inputs and Constants are available before any node runs.
	Inputs    types.Set[string]
	Constants types.Set[string]

	// Outputs are the graph-output buffer names, pinned against dead-code
	// elimination and freeing.
	Outputs []string

	// MutatedInputs collects graph inputs that are mutated in place; their
	// final value must be visible to the caller.
	MutatedInputs types.Set[string]

	// RemovedBuffers collects buffer names eliminated during scheduling, so
	// codegen never allocates storage for them.
	RemovedBuffers types.Set[string]

	// DeviceTypes collects the device types encountered, one backend each.
	DeviceTypes types.Set[string]
}

// NewGraph assembles a Graph over the given producer nodes.
func NewGraph(buffers []*Buffer, inputs, constants, outputs []string) *Graph {
	return &Graph{
		Buffers:        buffers,
		Inputs:         types.SetWith(inputs...),
		Constants:      types.SetWith(constants...),
		Outputs:        outputs,
		MutatedInputs:  types.MakeSet[string](),
		RemovedBuffers: types.MakeSet[string](),
		DeviceTypes:    types.MakeSet[string](),
	}
}
