// Package train runs the epoch loop: distributed setup, seeding, optimizer
// construction, checkpoint resume, training, evaluation, checkpoint
// rotation and the final weights.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/checkpoint"
	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/eval"
	"github.com/born-ml/borntrain/internal/logging"
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/optim"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/telemetry"
	"github.com/born-ml/borntrain/internal/tensor"
	"github.com/born-ml/borntrain/internal/tokenizer"
)

// State is a phase of the epoch loop.
type State int

// States, in the order a run moves through them.
const (
	StateInit State = iota
	StateRunning
	StateEvaluating
	StateCheckpointing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateEvaluating:
		return "EVALUATING"
	case StateCheckpointing:
		return "CHECKPOINTING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result summarizes a completed run.
type Result struct {
	Identity     distributed.Identity
	Role         distributed.Role
	StartEpoch   int    // First epoch run by this process
	ResumedFrom  string // Record the run resumed from, empty on a fresh start
	LastEpoch    int    // Last completed epoch, -1 if none
	Saved        []string
	Removed      []string
	FinalWeights string
	Scores       map[int]map[string]float64 // Evaluation scores by epoch
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *logrus.Entry) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithSink replaces the telemetry sink opened on the designated rank. The
// caller keeps ownership and closes it.
func WithSink(sink telemetry.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithStateObserver calls fn on every state transition.
func WithStateObserver(fn func(state State, epoch int)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithRendezvousTimeout bounds distributed initialization.
func WithRendezvousTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.rendezvousTimeout = d }
}

// Orchestrator drives one process of a training run.
type Orchestrator struct {
	cfg    *config.Config
	collab Collaborators

	log               *logrus.Entry
	sink              telemetry.Sink
	observe           func(State, int)
	rendezvousTimeout time.Duration

	state State
	epoch int
}

// New validates the collaborators and returns an orchestrator for cfg.
func New(cfg *config.Config, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}
	switch {
	case collab.Model == nil:
		return nil, fmt.Errorf("%w: model builder", ErrMissingCollaborator)
	case collab.Dataset == nil:
		return nil, fmt.Errorf("%w: dataset builder", ErrMissingCollaborator)
	case collab.Executor == nil:
		return nil, fmt.Errorf("%w: step executor", ErrMissingCollaborator)
	case cfg.DoEval && collab.Evaluator == nil:
		return nil, fmt.Errorf("%w: evaluator (evaluation is enabled)", ErrMissingCollaborator)
	}
	o := &Orchestrator{cfg: cfg, collab: collab, epoch: checkpoint.FreshEpoch}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) enter(s State) {
	o.state = s
	if o.observe != nil {
		o.observe(s, o.epoch)
	}
}

func (o *Orchestrator) fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Run: o.cfg.RunName, Epoch: o.epoch, Err: err}
}

// run holds what INIT produces.
type run struct {
	dist     *distributed.Context
	env      Env
	model    nn.Module
	opt      *optim.AdamW
	sched    *optim.ConstantWithWarmup
	data     DatasetProvider
	ckpt     *checkpoint.Manager
	gateway  *eval.Gateway
	progress *telemetry.ProgressFile
	closers  []func() error
}

func (r *run) close(log *logrus.Entry) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}
}

// Run executes the run to completion. Every fatal error is a *StageError.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.enter(StateInit)
	r := &run{}
	defer func() {
		log := o.log
		if log == nil {
			log = logging.Discard()
		}
		r.close(log)
	}()

	if err := o.setup(ctx, r); err != nil {
		return Result{}, err
	}

	res := Result{
		Identity: r.env.Identity,
		Role:     r.env.Role,
		Scores:   make(map[int]map[string]float64),
	}

	resume, err := r.ckpt.Resolve(o.cfg.ResumeFromCheckpoint, r.model, r.opt, r.sched)
	if err != nil {
		return res, o.fail(StageLoad, err)
	}
	res.ResumedFrom = resume.Path
	res.StartEpoch = resume.NextEpoch
	res.LastEpoch = resume.Epoch
	o.epoch = resume.Epoch
	if resume.Fresh() {
		o.log.Info("no checkpoint found, starting from epoch 0")
	} else {
		o.log.WithFields(logrus.Fields{
			"path":       resume.Path,
			"next_epoch": resume.NextEpoch,
			"lr":         r.opt.GetLR(),
			"step":       r.sched.LastStep(),
		}).Info("resumed from checkpoint")
	}

	for epoch := resume.NextEpoch; epoch < o.cfg.NumEpochs; epoch++ {
		o.epoch = epoch
		if err := ctx.Err(); err != nil {
			return res, o.fail(StageTrain, err)
		}

		o.enter(StateRunning)
		r.data.SetEpoch(epoch)
		r.model.Train()
		job := EpochJob{
			Epoch:     epoch,
			Model:     r.model,
			Optimizer: r.opt,
			Scheduler: r.sched,
			Dataset:   r.data,
			Env:       r.env,
		}
		if err := o.collab.Executor.TrainEpoch(ctx, job); err != nil {
			return res, o.fail(StageTrain, err)
		}
		o.log.WithFields(logrus.Fields{"epoch": epoch, "step": r.sched.LastStep()}).Info("epoch finished")

		var scores map[string]float64
		if r.gateway != nil && r.env.Role.Designated() {
			if err := ctx.Err(); err != nil {
				return res, o.fail(StageEvaluate, err)
			}
			o.enter(StateEvaluating)
			scores, err = r.gateway.Run(ctx, r.model, epoch)
			if err != nil {
				return res, o.fail(StageEvaluate, err)
			}
			res.Scores[epoch] = scores
		}

		// Workers go straight to the next epoch; they do not wait for the
		// designated rank's checkpoint.
		if r.env.Role.Designated() {
			o.enter(StateCheckpointing)
			saved, removed, err := o.checkpoint(r, epoch, scores)
			if err != nil {
				return res, o.fail(StageSave, err)
			}
			res.Saved = append(res.Saved, saved)
			if removed != "" {
				res.Removed = append(res.Removed, removed)
			}
		}
		res.LastEpoch = epoch
	}

	o.enter(StateDone)
	if r.env.Role.Designated() {
		final, err := o.finalize(r, res.LastEpoch)
		if err != nil {
			return res, o.fail(StageFinalize, err)
		}
		res.FinalWeights = final
	}
	// Every rank leaves together, so a worker never exits before the final
	// weights are on disk.
	if err := r.dist.Barrier(ctx); err != nil {
		return res, o.fail(StageFinalize, err)
	}
	return res, nil
}

// setup performs INIT: process group, logger, tokenizer, telemetry, both
// seed passes, model, optimizer groups, scheduler, dataset and the
// checkpoint manager.
func (o *Orchestrator) setup(ctx context.Context, r *run) error {
	cfg := o.cfg

	if o.log == nil {
		log, err := logging.New(logging.Options{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			Rank:       cfg.Rank,
			WorldSize:  cfg.WorldSize,
			RunName:    cfg.RunName,
			Designated: distributed.RoleFor(cfg.Rank).Designated(),
			AllRanks:   cfg.LogAllRanks,
		})
		if err != nil {
			return o.fail(StageInit, err)
		}
		o.log = log
	}

	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return o.fail(StageInit, err)
	}
	dist, err := distributed.Init(ctx, distributed.Options{
		Backend:         cfg.DistBackend,
		URL:             cfg.RendezvousAddr,
		Rank:            cfg.Rank,
		LocalRank:       cfg.LocalRank,
		WorldSize:       cfg.WorldSize,
		DevicesPerNode:  cfg.DevicesPerNode,
		NoSetDeviceRank: cfg.NoSetDeviceRank,
		Device:          device,
		Timeout:         o.rendezvousTimeout,
		Logger:          o.log,
	})
	if err != nil {
		return o.fail(StageInit, err)
	}
	r.dist = dist
	r.closers = append(r.closers, dist.Close)
	role := dist.Role()

	o.log.WithFields(logrus.Fields{
		"identity": dist.Identity().String(),
		"device":   dist.Device().String(),
		"backend":  dist.Backend(),
		"role":     role.String(),
	}).Info("process group ready")

	tok := o.collab.Tokenizer
	if tok == nil {
		base, err := tokenizer.Resolve(tokenizer.Options{
			Name:     cfg.TokenizerSource(),
			CacheDir: cfg.TokenizerCacheDir,
			Offline:  cfg.Offline,
		})
		if err != nil {
			return o.fail(StageInit, fmt.Errorf("tokenizer: %w", err))
		}
		tok = tokenizer.WithMediaTokens(base)
	}

	sink, err := o.openSink(role)
	if err != nil {
		return o.fail(StageInit, err)
	}

	seeds := seed.NewController()
	r.env = Env{
		Config:    cfg,
		Identity:  dist.Identity(),
		Role:      role,
		Device:    dist.Device(),
		Tokenizer: tok,
		Seeds:     seeds,
		Sink:      sink,
		Logger:    o.log,
	}

	seeds.ApplyBase(cfg.Seed)
	model, err := o.collab.Model.Build(ctx, r.env)
	if err != nil {
		return o.fail(StageInit, fmt.Errorf("build model: %w", err))
	}
	r.model = model
	seeds.ApplyRank(cfg.Seed, dist.Identity().Rank)

	groups := nn.GroupParameters(nn.Trainable(model.Parameters()), float32(cfg.WeightDecay))
	o.log.WithFields(logrus.Fields{
		"decay":    len(groups[0].Params),
		"no_decay": len(groups[1].Params),
	}).Debug("parameter groups")
	r.opt = optim.NewAdamW(groups, optim.AdamWConfig{LR: float32(cfg.LearningRate)})
	r.sched = optim.NewConstantWithWarmup(r.opt, int64(cfg.WarmupSteps))

	data, err := o.collab.Dataset.Build(ctx, r.env)
	if err != nil {
		return o.fail(StageInit, fmt.Errorf("build dataset: %w", err))
	}
	r.data = data

	r.ckpt = checkpoint.NewManager(checkpoint.Options{
		RunDir:         cfg.RunDir(),
		RunName:        cfg.RunName,
		Role:           role,
		DeletePrevious: cfg.DeletePreviousCheckpoint,
		Logger:         o.log,
	})

	if cfg.DoEval {
		r.gateway = eval.NewGateway(o.collab.Evaluator, eval.Options{
			Tasks: []eval.TaskConfig{
				{Task: eval.TaskCOCO, DataDir: cfg.EvalCOCODataDir},
				{Task: eval.TaskOKVQA, DataDir: cfg.EvalOKVQADataDir},
				{Task: eval.TaskVQAv2, DataDir: cfg.EvalVQAv2DataDir},
			},
			BatchSize: cfg.BatchSize,
			Role:      role,
			Sink:      sink,
			Logger:    o.log,
		})
	}
	if role.Designated() {
		r.progress = telemetry.NewProgressFile(cfg.RunDir(), cfg.NumEpochs)
	}

	if o.sink == nil {
		r.closers = append(r.closers, sink.Close)
	}
	return nil
}

// openSink returns the injected sink, a file sink on the designated rank
// when reporting is on, or Nop.
func (o *Orchestrator) openSink(role distributed.Role) (telemetry.Sink, error) {
	if o.sink != nil {
		return o.sink, nil
	}
	if !role.Designated() || !o.cfg.ReportToTelemetry {
		return telemetry.Nop{}, nil
	}
	snapshot, err := o.cfg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot configuration: %w", err)
	}
	sink, err := telemetry.OpenFile(telemetry.FileOptions{
		Dir:     o.cfg.TelemetryDir,
		Project: o.cfg.TelemetryProject,
		Entity:  o.cfg.TelemetryEntity,
		RunName: o.cfg.RunName,
		Offline: o.cfg.Offline,
		Config:  snapshot,
		Logger:  o.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	return sink, nil
}

// checkpoint performs CHECKPOINTING for epoch on the designated rank.
func (o *Orchestrator) checkpoint(r *run, epoch int, scores map[string]float64) (saved, removed string, err error) {
	if err := o.prepareRunDir(r); err != nil {
		return "", "", err
	}
	saved, err = r.ckpt.Save(epoch, r.model, r.opt, r.sched)
	if err != nil {
		return "", "", err
	}
	if err := r.env.Sink.Save(saved); err != nil {
		o.log.WithError(err).WithField("path", saved).Warn("telemetry artifact upload failed")
	}
	removed, err = r.ckpt.Rotate(epoch)
	if err != nil {
		return saved, "", err
	}
	if err := r.progress.Update(epoch, fmt.Sprintf("saved %s", checkpoint.FileName(epoch)), scores); err != nil {
		o.log.WithError(err).Warn("progress update failed")
	}
	return saved, removed, nil
}

// finalize performs DONE on the designated rank.
func (o *Orchestrator) finalize(r *run, lastEpoch int) (string, error) {
	if err := o.prepareRunDir(r); err != nil {
		return "", err
	}
	path, err := r.ckpt.Finalize(r.model, lastEpoch)
	if err != nil {
		return "", err
	}
	if err := r.env.Sink.Save(path); err != nil {
		o.log.WithError(err).WithField("path", path).Warn("telemetry artifact upload failed")
	}
	o.log.WithField("path", path).Info("final weights written")
	return path, nil
}

// prepareRunDir creates the run directory and writes the configuration
// snapshot next to the records.
func (o *Orchestrator) prepareRunDir(r *run) error {
	if err := r.ckpt.EnsureRunDir(); err != nil {
		return err
	}
	if _, err := o.cfg.WriteSnapshot(r.ckpt.RunDir()); err != nil {
		return err
	}
	return nil
}

// Run builds an orchestrator and runs it.
func Run(ctx context.Context, cfg *config.Config, collab Collaborators, opts ...Option) (Result, error) {
	o, err := New(cfg, collab, opts...)
	if err != nil {
		return Result{}, err
	}
	return o.Run(ctx)
}
