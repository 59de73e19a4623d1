// Package synthetic provides small stand-in collaborators for the
// orchestrator: a Flamingo-shaped model, a caption dataset, a step executor
// and an evaluator. They make the binary runnable end to end without model
// weights or data.
package synthetic

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/tensor"
	"github.com/born-ml/borntrain/internal/train"
)

// ModelConfig sizes the model.
type ModelConfig struct {
	Dim            int // Hidden width
	Layers         int // Language model decoder layers
	CrossAttnEvery int // A gated cross-attention block every N decoder layers
	Latents        int // Perceiver latents
	InitScale      float32
}

// DefaultModelConfig is small enough to train in milliseconds.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{Dim: 8, Layers: 4, CrossAttnEvery: 2, Latents: 4, InitScale: 0.02}
}

// Model has the parameter layout of a Flamingo model: a frozen vision
// encoder and language model, a trainable perceiver resampler, and trainable
// gated cross-attention blocks. The input embeddings are trainable so the
// media tokens can be learned.
type Model struct {
	params   []*nn.Parameter
	training bool
}

// Parameters returns every parameter, frozen ones included.
func (m *Model) Parameters() []*nn.Parameter { return m.params }

// StateDict returns the trainable weights only. Frozen weights come from
// their pretrained sources and are not checkpointed.
func (m *Model) StateDict() map[string]*tensor.RawTensor {
	return nn.StateDictOf(nn.Trainable(m.params))
}

// LoadStateDict restores trainable weights.
func (m *Model) LoadStateDict(sd map[string]*tensor.RawTensor, strict bool) (nn.LoadReport, error) {
	return nn.LoadInto(nn.Trainable(m.params), sd, strict)
}

func (m *Model) Train()         { m.training = true }
func (m *Model) Eval()          { m.training = false }
func (m *Model) Training() bool { return m.training }

// Param returns the named parameter or nil.
func (m *Model) Param(name string) *nn.Parameter {
	for _, p := range m.params {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// ModelBuilder builds a Model with weights drawn from the model-init seed
// stream.
type ModelBuilder struct {
	Config ModelConfig
}

var _ train.ModelBuilder = (*ModelBuilder)(nil)

// Build implements train.ModelBuilder.
func (b *ModelBuilder) Build(ctx context.Context, env train.Env) (nn.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := b.Config
	if cfg.Dim == 0 {
		cfg = DefaultModelConfig()
	}
	if cfg.CrossAttnEvery < 1 {
		return nil, fmt.Errorf("cross-attention interval must be positive, got %d", cfg.CrossAttnEvery)
	}
	if env.Tokenizer == nil {
		return nil, fmt.Errorf("model needs a tokenizer")
	}
	stream := env.Seeds.Stream(seed.ModelInit)
	if stream == nil {
		return nil, fmt.Errorf("no %s seed stream", seed.ModelInit)
	}

	mb := &modelBuild{rng: stream, scale: cfg.InitScale}
	d := cfg.Dim

	mb.frozen("vision_encoder.conv1.weight", d, 3)
	mb.frozen("vision_encoder.ln_post.weight", d)
	mb.frozen("vision_encoder.ln_post.bias", d)

	mb.random("perceiver.latents", cfg.Latents, d)
	mb.random("perceiver.layers.0.norm_media.weight", d)
	mb.random("perceiver.layers.0.to_q.weight", d, d)
	mb.random("perceiver.layers.0.to_kv.weight", 2*d, d)
	mb.random("perceiver.norm.weight", d)

	mb.random("lang_encoder.embed_tokens.weight", env.Tokenizer.VocabSize(), d)
	for i := range cfg.Layers {
		prefix := fmt.Sprintf("lang_encoder.layers.%d.", i)
		mb.frozen(prefix+"self_attn.qkv.weight", 3*d, d)
		mb.frozen(prefix+"self_attn_layer_norm.weight", d)
		if (i+1)%cfg.CrossAttnEvery != 0 {
			continue
		}
		block := fmt.Sprintf("lang_encoder.gated_cross_attn_layers.%d.", i)
		mb.zeros(block + "attn_gate")
		mb.zeros(block + "ff_gate")
		mb.random(block+"attn.norm.weight", d)
		mb.random(block+"attn.norm.bias", d)
		mb.random(block+"attn.to_q.weight", d, d)
		mb.random(block+"attn.to_kv.weight", 2*d, d)
		mb.random(block+"attn.to_out.weight", d, d)
		mb.random(block+"feed_forward.1.weight", 4*d, d)
		mb.random(block+"feed_forward.3.weight", d, 4*d)
	}
	if mb.err != nil {
		return nil, mb.err
	}

	m := &Model{params: mb.params, training: true}
	if env.Logger != nil {
		env.Logger.WithFields(logrus.Fields{
			"params":    len(m.params),
			"trainable": len(nn.Trainable(m.params)),
		}).Debug("built synthetic model")
	}
	return m, nil
}

type modelBuild struct {
	rng    *seed.Stream
	scale  float32
	params []*nn.Parameter
	err    error
}

func (b *modelBuild) tensor(fill func() float32, shape ...int) *tensor.RawTensor {
	if b.err != nil {
		return nil
	}
	s := tensor.Shape(shape)
	values := make([]float32, s.NumElements())
	for i := range values {
		values[i] = fill()
	}
	raw, err := tensor.FromFloat32(s, values)
	if err != nil {
		b.err = err
	}
	return raw
}

func (b *modelBuild) normal() float32 { return b.rng.NormFloat32() * b.scale }

func (b *modelBuild) random(name string, shape ...int) {
	if raw := b.tensor(b.normal, shape...); raw != nil {
		b.params = append(b.params, nn.NewParameter(name, raw))
	}
}

func (b *modelBuild) zeros(name string) {
	if raw := b.tensor(func() float32 { return 0 }, 1); raw != nil {
		b.params = append(b.params, nn.NewParameter(name, raw))
	}
}

func (b *modelBuild) frozen(name string, shape ...int) {
	if raw := b.tensor(b.normal, shape...); raw != nil {
		b.params = append(b.params, nn.NewFrozenParameter(name, raw))
	}
}

// Collaborators returns the synthetic model, dataset, executor and
// evaluator.
func Collaborators() train.Collaborators {
	return train.Collaborators{
		Model:     &ModelBuilder{Config: DefaultModelConfig()},
		Dataset:   DatasetBuilder{},
		Executor:  &Executor{NoiseScale: 1e-4},
		Evaluator: Evaluator{},
	}
}
