// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the optimizer and learning-rate schedule used by
// the training orchestrator.
//
// AdamW applies decoupled weight decay per parameter group. The schedule
// warms the learning rate up linearly and then holds it constant. Both
// save and restore their state through state dictionaries, strictly:
//
//	opt := optim.NewAdamW(nn.GroupParameters(params, 0.1), optim.AdamWConfig{LR: 1e-4})
//	sched := optim.NewConstantWithWarmup(opt, 5000)
//	// per optimizer step:
//	opt.Step(ctx)
//	sched.Step()
//	opt.ZeroGrad()
package optim

import (
	"github.com/born-ml/borntrain/internal/optim"
	"github.com/born-ml/borntrain/nn"
)

// Optimizer is what a training-step executor drives.
type Optimizer = optim.Optimizer

// Scheduler adjusts an optimizer's learning rate once per step.
type Scheduler = optim.Scheduler

// AdamW is Adam with decoupled, per-group weight decay.
type AdamW = optim.AdamW

// AdamWConfig configures AdamW.
type AdamWConfig = optim.AdamWConfig

// ConstantWithWarmup is a linear warmup to a constant learning rate.
type ConstantWithWarmup = optim.ConstantWithWarmup

// ErrStateMismatch is returned when a state dictionary does not match.
var ErrStateMismatch = optim.ErrStateMismatch

// NewAdamW creates an AdamW optimizer over groups.
func NewAdamW(groups []nn.ParamGroup, config AdamWConfig) *AdamW {
	return optim.NewAdamW(groups, config)
}

// NewConstantWithWarmup wraps opt with a warmup of warmupSteps steps.
func NewConstantWithWarmup(opt Optimizer, warmupSteps int64) *ConstantWithWarmup {
	return optim.NewConstantWithWarmup(opt, warmupSteps)
}
