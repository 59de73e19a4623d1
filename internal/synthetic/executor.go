package synthetic

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/logging"
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/tensor"
	"github.com/born-ml/borntrain/internal/train"
)

// Batcher is a dataset the executor can read batches from.
type Batcher interface {
	Batch(i int) [][]int32
}

// Executor trains on a quadratic loss that pulls every trainable weight
// toward a target derived from the batch tokens. Gradients are exact plus a
// little noise from the numeric seed stream.
type Executor struct {
	NoiseScale float32
}

var _ train.StepExecutor = (*Executor)(nil)

// TrainEpoch implements train.StepExecutor.
func (e *Executor) TrainEpoch(ctx context.Context, job train.EpochJob) error {
	data, ok := job.Dataset.(Batcher)
	if !ok {
		return fmt.Errorf("dataset %T does not expose batches", job.Dataset)
	}
	env := job.Env
	accum := max(env.Config.GradientAccumulationSteps, 1)
	noise := env.Seeds.Stream(seed.Numeric)
	params := nn.Trainable(job.Model.Parameters())
	log := env.Logger
	if log == nil {
		log = logging.Discard()
	}

	start := time.Now()
	var samples int
	job.Optimizer.ZeroGrad()
	for i := range job.Dataset.NumBatches() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := data.Batch(i)
		samples += len(batch)
		target := batchTarget(batch)

		loss, err := accumulate(params, target, float32(accum), noise, e.NoiseScale)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}

		if (i+1)%accum != 0 && i != job.Dataset.NumBatches()-1 {
			continue
		}
		if err := job.Optimizer.Step(ctx); err != nil {
			return fmt.Errorf("optimizer step: %w", err)
		}
		job.Scheduler.Step()
		job.Optimizer.ZeroGrad()

		elapsed := time.Since(start).Seconds()
		metrics := map[string]float64{
			"loss":        loss,
			"lr":          float64(job.Optimizer.GetLR()),
			"global_step": float64(job.Scheduler.LastStep()),
		}
		if elapsed > 0 {
			metrics["samples_per_second"] = float64(samples) / elapsed
		}
		if err := env.Sink.Log(metrics, env.Sink.Step(), true); err != nil {
			return fmt.Errorf("report step: %w", err)
		}
		log.WithFields(logrus.Fields{
			"epoch": job.Epoch,
			"step":  job.Scheduler.LastStep(),
			"loss":  loss,
		}).Debug("optimizer step")
	}
	return nil
}

// batchTarget maps the batch tokens to a target weight in [-0.05, 0.05).
func batchTarget(batch [][]int32) float32 {
	var sum, n int64
	for _, seq := range batch {
		for _, tok := range seq {
			sum += int64(tok)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32((sum/n)%97)/970 - 0.05
}

// accumulate adds the gradient of 0.5*mean((w-target)^2) over every
// parameter, scaled by 1/accum, and returns the loss.
func accumulate(params []*nn.Parameter, target, accum float32, noise *seed.Stream, noiseScale float32) (float64, error) {
	var loss float64
	for _, p := range params {
		w := p.Tensor().AsFloat32()
		g := make([]float32, len(w))
		if prev := p.Grad(); prev != nil {
			copy(g, prev.AsFloat32())
		}
		n := float32(len(w) * len(params))
		for i, v := range w {
			diff := v - target
			loss += 0.5 * float64(diff*diff) / float64(n)
			grad := diff / n
			if noise != nil && noiseScale > 0 {
				grad += noise.NormFloat32() * noiseScale
			}
			g[i] += grad / accum
		}
		raw, err := tensor.FromFloat32(p.Shape(), g)
		if err != nil {
			return 0, err
		}
		p.SetGrad(raw)
	}
	return loss, nil
}
