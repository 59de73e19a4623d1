package optim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/tensor"
)

func newParam(t *testing.T, name string, values ...float32) *nn.Parameter {
	t.Helper()
	raw, err := tensor.FromFloat32(tensor.Shape{len(values)}, values)
	require.NoError(t, err)
	return nn.NewParameter(name, raw)
}

func setGrad(t *testing.T, p *nn.Parameter, values ...float32) {
	t.Helper()
	raw, err := tensor.FromFloat32(p.Shape(), values)
	require.NoError(t, err)
	p.SetGrad(raw)
}

func TestAdamWFirstStepMatchesClosedForm(t *testing.T) {
	p := newParam(t, "w", 1.0)
	setGrad(t, p, 0.5)
	opt := NewAdamW([]nn.ParamGroup{{Name: nn.GroupNoDecay, Params: []*nn.Parameter{p}}}, AdamWConfig{LR: 0.1})

	require.NoError(t, opt.Step(context.Background()))

	// After one step m_hat = g and v_hat = g², so the update is lr * sign(g).
	assert.InDelta(t, 0.9, p.Tensor().AsFloat32()[0], 1e-5)
	assert.Equal(t, int64(1), opt.GetTimestep())
}

func TestAdamWDecoupledDecayOnlyInDecayGroup(t *testing.T) {
	decayed := newParam(t, "decayed", 2.0)
	plain := newParam(t, "plain", 2.0)
	setGrad(t, decayed, 0)
	setGrad(t, plain, 0)
	opt := NewAdamW([]nn.ParamGroup{
		{Name: nn.GroupDecay, Params: []*nn.Parameter{decayed}, WeightDecay: 0.5},
		{Name: nn.GroupNoDecay, Params: []*nn.Parameter{plain}},
	}, AdamWConfig{LR: 0.1})

	require.NoError(t, opt.Step(context.Background()))

	assert.InDelta(t, 2.0*(1-0.1*0.5), decayed.Tensor().AsFloat32()[0], 1e-6)
	assert.InDelta(t, 2.0, plain.Tensor().AsFloat32()[0], 1e-6)
}

func TestAdamWSkipsParamsWithoutGrad(t *testing.T) {
	p := newParam(t, "w", 3.0)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}, WeightDecay: 0.1}}, AdamWConfig{})

	require.NoError(t, opt.Step(context.Background()))

	assert.Equal(t, float32(3.0), p.Tensor().AsFloat32()[0])
	assert.NotContains(t, opt.StateDict(), "state.w.exp_avg")
}

func TestAdamWParallelMatchesSequential(t *testing.T) {
	build := func(workers int) []*nn.Parameter {
		var params []*nn.Parameter
		for i := 0; i < 16; i++ {
			p := newParam(t, string(rune('a'+i)), float32(i), float32(-i))
			setGrad(t, p, 0.1*float32(i), -0.2)
			params = append(params, p)
		}
		cfg := AdamWConfig{LR: 0.01}
		cfg.Parallel.Enabled = workers > 1
		cfg.Parallel.NumWorkers = workers
		cfg.Parallel.MinChunkSize = 1
		opt := NewAdamW([]nn.ParamGroup{{Params: params, WeightDecay: 0.01}}, cfg)
		for step := 0; step < 3; step++ {
			require.NoError(t, opt.Step(context.Background()))
		}
		return params
	}

	seq, par := build(1), build(4)
	for i := range seq {
		assert.Equal(t, seq[i].Tensor().AsFloat32(), par[i].Tensor().AsFloat32(), seq[i].Name())
	}
}

func TestAdamWGradShapeMismatch(t *testing.T) {
	p := newParam(t, "w", 1, 2)
	bad, err := tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2, 3})
	require.NoError(t, err)
	p.SetGrad(bad)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{})

	assert.Error(t, opt.Step(context.Background()))
}

func TestAdamWZeroGrad(t *testing.T) {
	p := newParam(t, "w", 1)
	setGrad(t, p, 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{})
	opt.ZeroGrad()
	assert.Nil(t, p.Grad())
}

func TestAdamWStateDictRoundTrip(t *testing.T) {
	mk := func() (*AdamW, *nn.Parameter, *nn.Parameter) {
		a := newParam(t, "lang.gated_cross_attn_layer.ff.weight", 1, 2)
		b := newParam(t, "lang.gated_cross_attn_layer.norm.weight", 3)
		groups := nn.GroupParameters([]*nn.Parameter{a, b}, 0.1)
		return NewAdamW(groups, AdamWConfig{LR: 0.05}), a, b
	}

	src, a, b := mk()
	setGrad(t, a, 0.3, -0.7)
	setGrad(t, b, 1.5)
	require.NoError(t, src.Step(context.Background()))
	require.NoError(t, src.Step(context.Background()))
	src.SetLR(0.02)

	dst, _, _ := mk()
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	assert.Equal(t, src.GetTimestep(), dst.GetTimestep())
	assert.Equal(t, float32(0.02), dst.GetLR())
	want, got := src.StateDict(), dst.StateDict()
	require.Equal(t, len(want), len(got))
	for k, v := range want {
		require.Contains(t, got, k)
		assert.Equal(t, v.Data(), got[k].Data(), k)
	}
}

func TestAdamWLoadStateDictStrict(t *testing.T) {
	p := newParam(t, "w", 1, 2)
	setGrad(t, p, 1, 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{})
	require.NoError(t, opt.Step(context.Background()))
	good := opt.StateDict()

	clone := func() map[string]*tensor.RawTensor {
		out := make(map[string]*tensor.RawTensor, len(good))
		for k, v := range good {
			out[k] = v
		}
		return out
	}

	tests := []struct {
		name   string
		mutate func(map[string]*tensor.RawTensor)
	}{
		{"missing step", func(sd map[string]*tensor.RawTensor) { delete(sd, "step") }},
		{"extra key", func(sd map[string]*tensor.RawTensor) { sd["bogus"] = scalarF32(1) }},
		{"unknown param", func(sd map[string]*tensor.RawTensor) {
			sd["state.ghost.exp_avg"] = good["state.w.exp_avg"]
			sd["state.ghost.exp_avg_sq"] = good["state.w.exp_avg_sq"]
		}},
		{"shape mismatch", func(sd map[string]*tensor.RawTensor) { sd["state.w.exp_avg"] = scalarF32(0) }},
		{"orphan moment", func(sd map[string]*tensor.RawTensor) { delete(sd, "state.w.exp_avg_sq") }},
		{"group count", func(sd map[string]*tensor.RawTensor) { sd["param_groups.count"] = scalarI64(2) }},
		{"group size", func(sd map[string]*tensor.RawTensor) { sd["param_groups.0.size"] = scalarI64(5) }},
		{"wrong dtype", func(sd map[string]*tensor.RawTensor) { sd["step"] = scalarF32(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{})
			sd := clone()
			tt.mutate(sd)
			err := fresh.LoadStateDict(sd)
			require.ErrorIs(t, err, ErrStateMismatch)
			assert.Equal(t, int64(0), fresh.GetTimestep())
		})
	}
}

func TestConstantWithWarmup(t *testing.T) {
	p := newParam(t, "w", 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{LR: 1.0})
	sched := NewConstantWithWarmup(opt, 4)

	assert.Equal(t, float32(0), opt.GetLR())
	want := []float32{0.25, 0.5, 0.75, 1, 1, 1}
	for i, lr := range want {
		sched.Step()
		assert.InDelta(t, lr, opt.GetLR(), 1e-7, "step %d", i+1)
	}
	assert.Equal(t, int64(6), sched.LastStep())
}

func TestConstantWithWarmupZeroWarmup(t *testing.T) {
	p := newParam(t, "w", 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{LR: 0.3})
	NewConstantWithWarmup(opt, 0)
	assert.Equal(t, float32(0.3), opt.GetLR())
}

func TestConstantWithWarmupStateDict(t *testing.T) {
	p := newParam(t, "w", 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{LR: 2.0})
	sched := NewConstantWithWarmup(opt, 10)
	for i := 0; i < 3; i++ {
		sched.Step()
	}

	opt2 := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{LR: 2.0})
	resumed := NewConstantWithWarmup(opt2, 10)
	require.NoError(t, resumed.LoadStateDict(sched.StateDict()))

	assert.Equal(t, int64(3), resumed.LastStep())
	assert.InDelta(t, 0.6, opt2.GetLR(), 1e-6)

	bad := sched.StateDict()
	bad["extra"] = scalarI64(1)
	assert.ErrorIs(t, resumed.LoadStateDict(bad), ErrStateMismatch)
	delete(bad, "extra")
	delete(bad, "base_lr")
	assert.ErrorIs(t, resumed.LoadStateDict(bad), ErrStateMismatch)
}

func TestFactorNeverExceedsOne(t *testing.T) {
	p := newParam(t, "w", 1)
	opt := NewAdamW([]nn.ParamGroup{{Params: []*nn.Parameter{p}}}, AdamWConfig{})
	s := NewConstantWithWarmup(opt, 7)
	for step := int64(0); step < 20; step++ {
		f := s.Factor(step)
		assert.False(t, math.IsNaN(float64(f)))
		assert.LessOrEqual(t, f, float32(1))
	}
}
