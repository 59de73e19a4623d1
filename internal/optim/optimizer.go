// Package optim implements the optimizer and learning-rate schedule whose
// state is captured in checkpoints.
//
// This package provides:
//   - Optimizer interface: what the training-step executor and the checkpoint manager need
//   - AdamW: Adam with decoupled, per-group weight decay
//   - ConstantWithWarmup: linear warmup to a constant learning rate
//
// Both the optimizer and the schedule restore their state strictly: any
// missing, unknown or mis-shaped entry in a state dictionary is an error.
package optim

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/borntrain/internal/tensor"
)

// ErrStateMismatch is returned by LoadStateDict when a state dictionary does
// not exactly match the optimizer or schedule it is loaded into.
var ErrStateMismatch = errors.New("state dict mismatch")

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	Step(ctx context.Context) error

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate. Used by schedules.
	SetLR(lr float32)

	// StateDict returns the optimizer state for serialization.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores state produced by StateDict. Strict.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// Scheduler adjusts an optimizer's learning rate once per optimizer step.
type Scheduler interface {
	// Step advances the schedule by one optimizer step.
	Step()

	// LastStep returns the number of Step calls so far.
	LastStep() int64

	// StateDict returns the schedule state for serialization.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores state produced by StateDict. Strict.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

func scalarF32(v float32) *tensor.RawTensor {
	raw, _ := tensor.FromFloat32(tensor.Shape{1}, []float32{v})
	return raw
}

func scalarI64(v int64) *tensor.RawTensor {
	raw, _ := tensor.NewRaw(tensor.Shape{1}, tensor.Int64)
	raw.AsInt64()[0] = v
	return raw
}

func readF32(sd map[string]*tensor.RawTensor, key string) (float32, error) {
	raw, ok := sd[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrStateMismatch, key)
	}
	if raw.DType() != tensor.Float32 || raw.NumElements() != 1 {
		return 0, fmt.Errorf("%w: key %q must be a float32 scalar, got %s%v", ErrStateMismatch, key, raw.DType(), raw.Shape())
	}
	return raw.AsFloat32()[0], nil
}

func readI64(sd map[string]*tensor.RawTensor, key string) (int64, error) {
	raw, ok := sd[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrStateMismatch, key)
	}
	if raw.DType() != tensor.Int64 || raw.NumElements() != 1 {
		return 0, fmt.Errorf("%w: key %q must be an int64 scalar, got %s%v", ErrStateMismatch, key, raw.DType(), raw.Shape())
	}
	return raw.AsInt64()[0], nil
}
