// Package eval runs the per-epoch evaluation suite on the designated rank
// and forwards the scores to telemetry.
package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/telemetry"
)

// Task identifies an evaluation benchmark.
type Task string

// Benchmarks evaluated after each epoch, in order.
const (
	TaskCOCO  Task = "coco"
	TaskOKVQA Task = "okvqa"
	TaskVQAv2 Task = "vqav2"
)

// Defaults applied to every task.
const (
	DefaultNumSamples = 5000
	DefaultNumShots   = 0
)

// ErrNotDesignated is returned when a worker rank tries to evaluate.
var ErrNotDesignated = errors.New("evaluation runs on the designated rank only")

// Request is one evaluator invocation.
type Request struct {
	Task       Task
	DataDir    string
	BatchSize  int
	NumSamples int
	NumShots   int
	Epoch      int
	Step       int // Telemetry step the scores are reported at
}

// Model is the part of the model the gateway touches: its mode.
type Model interface {
	Train()
	Eval()
}

// Evaluator scores a model on one benchmark.
type Evaluator interface {
	Evaluate(ctx context.Context, model Model, req Request) (map[string]float64, error)
}

// Error is an evaluator failure. It is fatal to the run.
type Error struct {
	Task  Task
	Epoch int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluate %s after epoch %d: %v", e.Task, e.Epoch, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TaskConfig binds a task to its data.
type TaskConfig struct {
	Task    Task
	DataDir string
}

// Options configure a Gateway.
type Options struct {
	Tasks     []TaskConfig
	BatchSize int
	Role      distributed.Role
	Sink      telemetry.Sink
	Logger    *logrus.Entry
}

// Gateway runs every configured task and reports the scores at one step.
type Gateway struct {
	evaluator Evaluator
	tasks     []TaskConfig
	batchSize int
	role      distributed.Role
	sink      telemetry.Sink
	log       *logrus.Entry
}

// NewGateway returns a gateway. A nil sink is replaced with telemetry.Nop.
func NewGateway(evaluator Evaluator, opts Options) *Gateway {
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Gateway{
		evaluator: evaluator,
		tasks:     opts.Tasks,
		batchSize: opts.BatchSize,
		role:      opts.Role,
		sink:      sink,
		log:       log.WithField("component", "eval"),
	}
}

// Tasks returns the configured tasks.
func (g *Gateway) Tasks() []TaskConfig { return g.tasks }

// Run evaluates model after epoch.
//
// All scores are logged at the sink's current step; every task but the last
// is logged uncommitted so the row is written once. The model is put back in
// train mode before Run returns, including on error. The first evaluator
// failure stops the suite.
func (g *Gateway) Run(ctx context.Context, model Model, epoch int) (scores map[string]float64, err error) {
	if !g.role.Designated() {
		return nil, ErrNotDesignated
	}
	defer model.Train()
	model.Eval()

	step := g.sink.Step()
	scores = make(map[string]float64)
	for i, tc := range g.tasks {
		if err := ctx.Err(); err != nil {
			return scores, &Error{Task: tc.Task, Epoch: epoch, Err: err}
		}
		req := Request{
			Task:       tc.Task,
			DataDir:    tc.DataDir,
			BatchSize:  g.batchSize,
			NumSamples: DefaultNumSamples,
			NumShots:   DefaultNumShots,
			Epoch:      epoch,
			Step:       step,
		}
		g.log.WithField("task", tc.Task).Infof("Evaluating %s (%d samples, %d shots)", tc.Task, req.NumSamples, req.NumShots)
		score, err := g.evaluator.Evaluate(ctx, model, req)
		if err != nil {
			return scores, &Error{Task: tc.Task, Epoch: epoch, Err: err}
		}
		last := i == len(g.tasks)-1
		if err := g.sink.Log(score, step, last); err != nil {
			return scores, &Error{Task: tc.Task, Epoch: epoch, Err: fmt.Errorf("report scores: %w", err)}
		}
		maps.Copy(scores, score)
		g.log.WithField("task", tc.Task).Infof("Scores: %v", score)
	}
	return scores, nil
}
