// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package train

import (
	"context"

	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/eval"
	"github.com/born-ml/borntrain/internal/synthetic"
	"github.com/born-ml/borntrain/internal/train"
)

// Config is the validated run configuration.
type Config = config.Config

// NewConfigLoader returns a loader layering defaults, a YAML file, the
// environment and flags.
func NewConfigLoader() *config.Loader {
	return config.NewLoader()
}

// Collaborator interfaces.
type (
	Env             = train.Env
	ModelBuilder    = train.ModelBuilder
	DatasetProvider = train.DatasetProvider
	DatasetBuilder  = train.DatasetBuilder
	StepExecutor    = train.StepExecutor
	EpochJob        = train.EpochJob
	Collaborators   = train.Collaborators
	Evaluator       = eval.Evaluator
	EvalRequest     = eval.Request
)

// Orchestrator drives one process of a run.
type Orchestrator = train.Orchestrator

// Option configures an Orchestrator.
type Option = train.Option

// Result summarizes a completed run.
type Result = train.Result

// State is a phase of the epoch loop.
type State = train.State

// States.
const (
	StateInit          = train.StateInit
	StateRunning       = train.StateRunning
	StateEvaluating    = train.StateEvaluating
	StateCheckpointing = train.StateCheckpointing
	StateDone          = train.StateDone
)

// Errors.
type (
	StageError           = train.StageError
	Stage                = train.Stage
	ConfigurationError   = train.ConfigurationError
	DistributedInitError = train.DistributedInitError
	CheckpointLoadError  = train.CheckpointLoadError
	CheckpointSaveError  = train.CheckpointSaveError
	EvaluationError      = train.EvaluationError
)

// Stages.
const (
	StageInit     = train.StageInit
	StageLoad     = train.StageLoad
	StageTrain    = train.StageTrain
	StageEvaluate = train.StageEvaluate
	StageSave     = train.StageSave
	StageFinalize = train.StageFinalize
)

// Options.
var (
	WithLogger             = train.WithLogger
	WithSink               = train.WithSink
	WithStateObserver      = train.WithStateObserver
	WithRendezvousTimeout  = train.WithRendezvousTimeout
	ErrMissingCollaborator = train.ErrMissingCollaborator
)

// New returns an orchestrator for cfg.
func New(cfg *Config, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	return train.New(cfg, collab, opts...)
}

// Run builds an orchestrator and runs it to completion.
func Run(ctx context.Context, cfg *Config, collab Collaborators, opts ...Option) (Result, error) {
	return train.Run(ctx, cfg, collab, opts...)
}

// Synthetic returns small built-in collaborators that train a
// Flamingo-shaped model on generated captions.
func Synthetic() Collaborators {
	return synthetic.Collaborators()
}
