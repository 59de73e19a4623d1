// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/tensor"
)

// Module is the orchestrator's view of a model.
type Module = nn.Module

// Parameter is a named model parameter, trainable or frozen.
type Parameter = nn.Parameter

// ParamDescriptor is the name/shape pair a parameter is classified by.
type ParamDescriptor = nn.ParamDescriptor

// ParamGroup is a set of parameters sharing a weight decay.
type ParamGroup = nn.ParamGroup

// LoadReport lists the keys a lenient load skipped.
type LoadReport = nn.LoadReport

// Group names.
const (
	GroupDecay   = nn.GroupDecay
	GroupNoDecay = nn.GroupNoDecay
)

// NewParameter creates a trainable parameter.
func NewParameter(name string, value *tensor.RawTensor) *Parameter {
	return nn.NewParameter(name, value)
}

// NewFrozenParameter creates a parameter that is saved but never trained.
func NewFrozenParameter(name string, value *tensor.RawTensor) *Parameter {
	return nn.NewFrozenParameter(name, value)
}

// Trainable filters params down to the trainable ones.
func Trainable(params []*Parameter) []*Parameter {
	return nn.Trainable(params)
}

// DecayEligible reports whether a parameter receives weight decay.
func DecayEligible(d ParamDescriptor) bool {
	return nn.DecayEligible(d)
}

// GroupParameters partitions params into the decay and no-decay groups.
func GroupParameters(params []*Parameter, weightDecay float32) []ParamGroup {
	return nn.GroupParameters(params, weightDecay)
}

// StateDictOf copies params into a new state dictionary.
func StateDictOf(params []*Parameter) map[string]*tensor.RawTensor {
	return nn.StateDictOf(params)
}

// LoadInto copies matching entries of stateDict into params.
func LoadInto(params []*Parameter, stateDict map[string]*tensor.RawTensor, strict bool) (LoadReport, error) {
	return nn.LoadInto(params, stateDict, strict)
}
