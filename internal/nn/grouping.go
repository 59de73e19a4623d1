package nn

import (
	"strings"

	"github.com/born-ml/borntrain/internal/tensor"
)

// ParamDescriptor is the name/shape pair a parameter is classified by.
type ParamDescriptor struct {
	Name  string
	Shape tensor.Shape
}

// Substrings that decide weight-decay eligibility.
const (
	crossAttnMarker = "gated_cross_attn_layer"
	ffGateMarker    = "ff_gate"
	attnGateMarker  = "attn_gate"
	normMarker      = "norm"
	biasMarker      = "bias"
)

// Group names.
const (
	GroupDecay   = "decay"
	GroupNoDecay = "no_decay"
)

// DecayEligible reports whether a parameter receives weight decay.
//
// Only parameters inside a gated cross-attention block are decayed, and
// within those the two gating scalars, normalization parameters and biases
// are exempt. Everything else, including the whole frozen backbone, gets no
// decay.
func DecayEligible(d ParamDescriptor) bool {
	return strings.Contains(d.Name, crossAttnMarker) &&
		!strings.Contains(d.Name, ffGateMarker) &&
		!strings.Contains(d.Name, attnGateMarker) &&
		!strings.Contains(d.Name, normMarker) &&
		!strings.Contains(d.Name, biasMarker)
}

// ParamGroup is a set of parameters sharing optimizer hyperparameters.
type ParamGroup struct {
	Name        string
	Params      []*Parameter
	WeightDecay float32
}

// GroupParameters partitions params into exactly two groups: the decay
// group (weightDecay) first, then the no-decay group (0). Every parameter
// lands in exactly one group, in input order.
func GroupParameters(params []*Parameter, weightDecay float32) []ParamGroup {
	decay := ParamGroup{Name: GroupDecay, WeightDecay: weightDecay}
	noDecay := ParamGroup{Name: GroupNoDecay}
	for _, p := range params {
		if DecayEligible(p.Descriptor()) {
			decay.Params = append(decay.Params, p)
		} else {
			noDecay.Params = append(noDecay.Params, p)
		}
	}
	return []ParamGroup{decay, noDecay}
}
