package optim

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/parallel"
	"github.com/born-ml/borntrain/internal/tensor"
)

// AdamW implements Adam with decoupled weight decay (Loshchilov & Hutter).
//
// Update rule, per parameter of a group with weight decay wd:
//
//	param  = param - lr * wd * param                   // Decoupled decay
//	m_t    = beta1 * m_{t-1} + (1-beta1) * gradient    // First moment
//	v_t    = beta2 * v_{t-1} + (1-beta2) * gradient²   // Second moment
//	m_hat  = m_t / (1 - beta1^t)                       // Bias correction
//	v_hat  = v_t / (1 - beta2^t)                       // Bias correction
//	param  = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// Example:
//
//	groups := nn.GroupParameters(nn.Trainable(model.Parameters()), 0.1)
//	opt := optim.NewAdamW(groups, optim.AdamWConfig{LR: 1e-4})
//	opt.Step(ctx)
//	opt.ZeroGrad()
type AdamW struct {
	groups  []nn.ParamGroup
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int64                              // Timestep for bias correction
	m       map[*nn.Parameter]*tensor.RawTensor // First moment estimates
	v       map[*nn.Parameter]*tensor.RawTensor // Second moment estimates
	byName  map[string]*nn.Parameter
	workers parallel.Config
}

// AdamWConfig holds configuration for the AdamW optimizer.
type AdamWConfig struct {
	LR       float32         // Learning rate (default: 0.001)
	Betas    [2]float32      // Coefficients for running averages (default: [0.9, 0.999])
	Eps      float32         // Term for numerical stability (default: 1e-8)
	Parallel parallel.Config // Fan-out for Step; zero value runs sequentially
}

// NewAdamW creates an AdamW optimizer over the given parameter groups.
//
// Default hyperparameters match torch.optim.AdamW:
//   - LR: 0.001
//   - Beta1: 0.9
//   - Beta2: 0.999
//   - Eps: 1e-8
func NewAdamW(groups []nn.ParamGroup, config AdamWConfig) *AdamW {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	byName := make(map[string]*nn.Parameter)
	for _, g := range groups {
		for _, p := range g.Params {
			byName[p.Name()] = p
		}
	}

	return &AdamW{
		groups:  groups,
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(map[*nn.Parameter]*tensor.RawTensor),
		v:       make(map[*nn.Parameter]*tensor.RawTensor),
		byName:  byName,
		workers: config.Parallel,
	}
}

type paramUpdate struct {
	param       *nn.Parameter
	weightDecay float32
}

// Step performs a single optimization step.
//
// Parameters with no gradient are skipped. Moment buffers are allocated on
// the first step a parameter has a gradient.
func (a *AdamW) Step(ctx context.Context) error {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	var updates []paramUpdate
	for _, g := range a.groups {
		for _, p := range g.Params {
			if p.Grad() == nil {
				continue
			}
			if _, ok := a.m[p]; !ok {
				m, err := tensor.NewRaw(p.Shape(), tensor.Float32)
				if err != nil {
					return fmt.Errorf("allocate exp_avg for %s: %w", p.Name(), err)
				}
				v, err := tensor.NewRaw(p.Shape(), tensor.Float32)
				if err != nil {
					return fmt.Errorf("allocate exp_avg_sq for %s: %w", p.Name(), err)
				}
				a.m[p], a.v[p] = m, v
			}
			updates = append(updates, paramUpdate{param: p, weightDecay: g.WeightDecay})
		}
	}

	return parallel.For(ctx, len(updates), a.workers, func(_ context.Context, i int) error {
		u := updates[i]
		if !u.param.Grad().Shape().Equal(u.param.Shape()) {
			return fmt.Errorf("gradient shape %v does not match parameter %s %v",
				u.param.Grad().Shape(), u.param.Name(), u.param.Shape())
		}
		a.updateParameter(u, biasCorrection1, biasCorrection2)
		return nil
	})
}

// updateParameter performs the AdamW update for a single parameter.
func (a *AdamW) updateParameter(u paramUpdate, biasCorrection1, biasCorrection2 float32) {
	gradData := u.param.Grad().AsFloat32()
	mData := a.m[u.param].AsFloat32()
	vData := a.v[u.param].AsFloat32()
	paramData := u.param.Tensor().AsFloat32()
	decay := 1 - a.lr*u.weightDecay

	for i := range paramData {
		g := gradData[i]

		paramData[i] *= decay

		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*g
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*g*g

		mHat := mData[i] / biasCorrection1
		vHat := vData[i] / biasCorrection2

		paramData[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *AdamW) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// GetLR returns the current learning rate.
func (a *AdamW) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *AdamW) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the current timestep.
func (a *AdamW) GetTimestep() int64 {
	return a.t
}

// Groups returns the parameter groups the optimizer was built with.
func (a *AdamW) Groups() []nn.ParamGroup {
	return a.groups
}

// State dictionary keys.
const (
	keyStep        = "step"
	keyGroupCount  = "param_groups.count"
	groupPrefix    = "param_groups."
	statePrefix    = "state."
	suffixExpAvg   = ".exp_avg"
	suffixExpAvgSq = ".exp_avg_sq"
)

func groupKey(i int, field string) string {
	return fmt.Sprintf("%s%d.%s", groupPrefix, i, field)
}

// StateDict returns the optimizer state:
//
//	step                         int64 timestep
//	param_groups.count           int64 number of groups
//	param_groups.<i>.lr          float32
//	param_groups.<i>.weight_decay float32
//	param_groups.<i>.size        int64 number of parameters
//	state.<param>.exp_avg        first moment
//	state.<param>.exp_avg_sq     second moment
func (a *AdamW) StateDict() map[string]*tensor.RawTensor {
	sd := map[string]*tensor.RawTensor{
		keyStep:       scalarI64(a.t),
		keyGroupCount: scalarI64(int64(len(a.groups))),
	}
	for i, g := range a.groups {
		sd[groupKey(i, "lr")] = scalarF32(a.lr)
		sd[groupKey(i, "weight_decay")] = scalarF32(g.WeightDecay)
		sd[groupKey(i, "size")] = scalarI64(int64(len(g.Params)))
	}
	for p, m := range a.m {
		sd[statePrefix+p.Name()+suffixExpAvg] = m.Clone()
		sd[statePrefix+p.Name()+suffixExpAvgSq] = a.v[p].Clone()
	}
	return sd
}

// LoadStateDict restores state produced by StateDict.
//
// The group layout must match exactly and every moment buffer must belong
// to a known parameter with a matching shape. Nothing is modified unless the
// whole dictionary validates.
func (a *AdamW) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	step, err := readI64(sd, keyStep)
	if err != nil {
		return err
	}
	count, err := readI64(sd, keyGroupCount)
	if err != nil {
		return err
	}
	if count != int64(len(a.groups)) {
		return fmt.Errorf("%w: checkpoint has %d param groups, optimizer has %d", ErrStateMismatch, count, len(a.groups))
	}

	var lr float32
	for i, g := range a.groups {
		if lr, err = readF32(sd, groupKey(i, "lr")); err != nil {
			return err
		}
		if _, err := readF32(sd, groupKey(i, "weight_decay")); err != nil {
			return err
		}
		size, err := readI64(sd, groupKey(i, "size"))
		if err != nil {
			return err
		}
		if size != int64(len(g.Params)) {
			return fmt.Errorf("%w: group %d has %d params in checkpoint, %d in optimizer", ErrStateMismatch, i, size, len(g.Params))
		}
	}

	m := make(map[*nn.Parameter]*tensor.RawTensor)
	v := make(map[*nn.Parameter]*tensor.RawTensor)
	for key, raw := range sd {
		if key == keyStep || strings.HasPrefix(key, groupPrefix) {
			if key == keyStep || key == keyGroupCount || isGroupField(key, len(a.groups)) {
				continue
			}
			return fmt.Errorf("%w: unexpected key %q", ErrStateMismatch, key)
		}
		if !strings.HasPrefix(key, statePrefix) {
			return fmt.Errorf("%w: unexpected key %q", ErrStateMismatch, key)
		}
		rest := strings.TrimPrefix(key, statePrefix)
		var name string
		var target map[*nn.Parameter]*tensor.RawTensor
		switch {
		case strings.HasSuffix(rest, suffixExpAvgSq):
			name, target = strings.TrimSuffix(rest, suffixExpAvgSq), v
		case strings.HasSuffix(rest, suffixExpAvg):
			name, target = strings.TrimSuffix(rest, suffixExpAvg), m
		default:
			return fmt.Errorf("%w: unexpected key %q", ErrStateMismatch, key)
		}
		p, ok := a.byName[name]
		if !ok {
			return fmt.Errorf("%w: state for unknown parameter %q", ErrStateMismatch, name)
		}
		if raw.DType() != tensor.Float32 || !raw.Shape().Equal(p.Shape()) {
			return fmt.Errorf("%w: state %q is %s%v, parameter is float32%v", ErrStateMismatch, key, raw.DType(), raw.Shape(), p.Shape())
		}
		target[p] = raw.Clone()
	}
	for p := range m {
		if _, ok := v[p]; !ok {
			return fmt.Errorf("%w: %s has exp_avg without exp_avg_sq", ErrStateMismatch, p.Name())
		}
	}
	for p := range v {
		if _, ok := m[p]; !ok {
			return fmt.Errorf("%w: %s has exp_avg_sq without exp_avg", ErrStateMismatch, p.Name())
		}
	}

	a.t = step
	a.lr = lr
	a.m = m
	a.v = v
	return nil
}

func isGroupField(key string, groups int) bool {
	for i := 0; i < groups; i++ {
		for _, field := range []string{"lr", "weight_decay", "size"} {
			if key == groupKey(i, field) {
				return true
			}
		}
	}
	return false
}
