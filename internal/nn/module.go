// Package nn defines how the orchestrator sees a model: a set of named
// parameters with a state dictionary, a train/eval mode switch, and the
// weight-decay classification used to build optimizer groups.
//
// The model itself (architecture, forward pass) is built elsewhere; this
// package only describes the surface the orchestrator needs.
package nn

import (
	"github.com/born-ml/borntrain/internal/tensor"
)

// Module is the orchestrator's view of a model.
type Module interface {
	// Parameters returns every parameter of the model in a stable order,
	// frozen ones included.
	Parameters() []*Parameter

	// StateDict returns a copy of the model weights keyed by parameter name.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores weights. With strict=false unknown and missing
	// keys are reported in the LoadReport instead of failing.
	LoadStateDict(stateDict map[string]*tensor.RawTensor, strict bool) (LoadReport, error)

	// Train switches the model to training mode.
	Train()

	// Eval switches the model to evaluation mode.
	Eval()

	// Training reports whether the model is in training mode.
	Training() bool
}

// Trainable filters params down to the ones that require gradients.
func Trainable(params []*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad() {
			out = append(out, p)
		}
	}
	return out
}
