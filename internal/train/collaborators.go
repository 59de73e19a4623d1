package train

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/eval"
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/optim"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/telemetry"
	"github.com/born-ml/borntrain/internal/tokenizer"
)

// Env is handed to every collaborator. Fields are fixed for the run.
type Env struct {
	Config    *config.Config
	Identity  distributed.Identity
	Role      distributed.Role
	Device    distributed.DeviceHandle
	Tokenizer tokenizer.Tokenizer
	Seeds     *seed.Controller
	Sink      telemetry.Sink // telemetry.Nop on worker ranks
	Logger    *logrus.Entry
}

// ModelBuilder constructs the model. It runs after the base seed is applied
// and before the per-rank seed, so every rank builds identical weights.
type ModelBuilder interface {
	Build(ctx context.Context, env Env) (nn.Module, error)
}

// DatasetProvider yields the batches of one rank's shard.
type DatasetProvider interface {
	// SetEpoch reshuffles for epoch. Called before every epoch.
	SetEpoch(epoch int)
	// NumBatches is the number of batches per epoch on this rank.
	NumBatches() int
}

// DatasetBuilder constructs the dataset provider.
type DatasetBuilder interface {
	Build(ctx context.Context, env Env) (DatasetProvider, error)
}

// EpochJob is one call to a StepExecutor.
type EpochJob struct {
	Epoch     int
	Model     nn.Module
	Optimizer optim.Optimizer
	Scheduler optim.Scheduler
	Dataset   DatasetProvider
	Env       Env
}

// StepExecutor runs every training step of one epoch: forward, backward,
// gradient sync, optimizer and scheduler steps, and step-level telemetry.
type StepExecutor interface {
	TrainEpoch(ctx context.Context, job EpochJob) error
}

// Collaborators are the pluggable parts of a run.
type Collaborators struct {
	Model    ModelBuilder
	Dataset  DatasetBuilder
	Executor StepExecutor
	// Evaluator is required only when evaluation is enabled.
	Evaluator eval.Evaluator
	// Tokenizer overrides resolution from the tokenizer settings.
	Tokenizer tokenizer.Tokenizer
}
