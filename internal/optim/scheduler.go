package optim

import (
	"fmt"

	"github.com/born-ml/borntrain/internal/tensor"
)

// ConstantWithWarmup ramps the learning rate linearly from 0 to the base
// rate over WarmupSteps optimizer steps, then holds it constant.
//
//	lr(step) = base * step / max(1, warmup)   for step < warmup
//	lr(step) = base                           otherwise
//
// Construction applies lr(0) to the optimizer, as the first optimizer step
// is taken at the start of the warmup.
type ConstantWithWarmup struct {
	opt         Optimizer
	baseLR      float32
	warmupSteps int64
	lastStep    int64
}

// NewConstantWithWarmup wraps opt. The optimizer's current LR is the base rate.
func NewConstantWithWarmup(opt Optimizer, warmupSteps int64) *ConstantWithWarmup {
	s := &ConstantWithWarmup{
		opt:         opt,
		baseLR:      opt.GetLR(),
		warmupSteps: warmupSteps,
	}
	s.apply()
	return s
}

// Factor returns the multiplier applied to the base rate at step.
func (s *ConstantWithWarmup) Factor(step int64) float32 {
	if step < s.warmupSteps {
		return float32(step) / float32(max(1, s.warmupSteps))
	}
	return 1
}

// Step advances the schedule by one optimizer step.
func (s *ConstantWithWarmup) Step() {
	s.lastStep++
	s.apply()
}

// LastStep returns the number of Step calls so far.
func (s *ConstantWithWarmup) LastStep() int64 {
	return s.lastStep
}

func (s *ConstantWithWarmup) apply() {
	s.opt.SetLR(s.baseLR * s.Factor(s.lastStep))
}

const (
	keyLastStep    = "last_step"
	keyBaseLR      = "base_lr"
	keyWarmupSteps = "warmup_steps"
)

// StateDict returns last_step, base_lr and warmup_steps.
func (s *ConstantWithWarmup) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		keyLastStep:    scalarI64(s.lastStep),
		keyBaseLR:      scalarF32(s.baseLR),
		keyWarmupSteps: scalarI64(s.warmupSteps),
	}
}

// LoadStateDict restores the schedule and re-applies the learning rate.
func (s *ConstantWithWarmup) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	for key := range sd {
		if key != keyLastStep && key != keyBaseLR && key != keyWarmupSteps {
			return fmt.Errorf("%w: unexpected key %q", ErrStateMismatch, key)
		}
	}
	last, err := readI64(sd, keyLastStep)
	if err != nil {
		return err
	}
	base, err := readF32(sd, keyBaseLR)
	if err != nil {
		return err
	}
	warmup, err := readI64(sd, keyWarmupSteps)
	if err != nil {
		return err
	}
	s.lastStep, s.baseLR, s.warmupSteps = last, base, warmup
	s.apply()
	return nil
}
