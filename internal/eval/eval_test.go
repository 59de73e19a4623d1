package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/borntrain/internal/distributed"
)

type modeModel struct {
	training bool
	switches []string
}

func (m *modeModel) Train() { m.training = true; m.switches = append(m.switches, "train") }
func (m *modeModel) Eval()  { m.training = false; m.switches = append(m.switches, "eval") }

type fakeEvaluator struct {
	requests []Request
	failOn   Task
	sawEval  []bool
}

func (f *fakeEvaluator) Evaluate(_ context.Context, model Model, req Request) (map[string]float64, error) {
	f.requests = append(f.requests, req)
	f.sawEval = append(f.sawEval, !model.(*modeModel).training)
	if req.Task == f.failOn {
		return nil, errors.New("evaluator crashed")
	}
	return map[string]float64{string(req.Task) + "_score": float64(len(f.requests))}, nil
}

type logCall struct {
	metrics map[string]float64
	step    int
	commit  bool
}

type recordingSink struct {
	step  int
	calls []logCall
}

func (s *recordingSink) Log(m map[string]float64, step int, commit bool) error {
	s.calls = append(s.calls, logCall{m, step, commit})
	return nil
}
func (s *recordingSink) Step() int         { return s.step }
func (s *recordingSink) Save(string) error { return nil }
func (s *recordingSink) Close() error      { return nil }

var allTasks = []TaskConfig{
	{Task: TaskCOCO, DataDir: "/data/coco"},
	{Task: TaskOKVQA, DataDir: "/data/okvqa"},
	{Task: TaskVQAv2, DataDir: "/data/vqav2"},
}

func TestRunBatchesTelemetry(t *testing.T) {
	sink := &recordingSink{step: 17}
	ev := &fakeEvaluator{}
	g := NewGateway(ev, Options{Tasks: allTasks, BatchSize: 8, Role: distributed.RoleDesignated, Sink: sink})
	model := &modeModel{training: true}

	scores, err := g.Run(context.Background(), model, 4)
	require.NoError(t, err)

	require.Len(t, sink.calls, 3)
	assert.False(t, sink.calls[0].commit)
	assert.False(t, sink.calls[1].commit)
	assert.True(t, sink.calls[2].commit)
	for _, c := range sink.calls {
		assert.Equal(t, 17, c.step)
	}
	assert.Len(t, scores, 3)
	assert.Equal(t, map[string]float64{"coco_score": 1}, sink.calls[0].metrics)
}

func TestRunRequests(t *testing.T) {
	ev := &fakeEvaluator{}
	g := NewGateway(ev, Options{Tasks: allTasks, BatchSize: 8, Role: distributed.RoleDesignated})

	_, err := g.Run(context.Background(), &modeModel{training: true}, 2)
	require.NoError(t, err)

	require.Len(t, ev.requests, 3)
	for i, req := range ev.requests {
		assert.Equal(t, allTasks[i].Task, req.Task)
		assert.Equal(t, allTasks[i].DataDir, req.DataDir)
		assert.Equal(t, 8, req.BatchSize)
		assert.Equal(t, 5000, req.NumSamples)
		assert.Equal(t, 0, req.NumShots)
		assert.Equal(t, 2, req.Epoch)
		assert.Equal(t, 0, req.Step)
	}
	assert.Equal(t, []bool{true, true, true}, ev.sawEval)
}

func TestRunRestoresTrainModeOnError(t *testing.T) {
	sink := &recordingSink{}
	ev := &fakeEvaluator{failOn: TaskOKVQA}
	g := NewGateway(ev, Options{Tasks: allTasks, Role: distributed.RoleDesignated, Sink: sink})
	model := &modeModel{training: true}

	_, err := g.Run(context.Background(), model, 1)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, TaskOKVQA, evalErr.Task)
	assert.Equal(t, 1, evalErr.Epoch)

	assert.True(t, model.training)
	assert.Equal(t, []string{"eval", "train"}, model.switches)
	assert.Len(t, ev.requests, 2)
	require.Len(t, sink.calls, 1)
	assert.False(t, sink.calls[0].commit)
}

func TestRunRestoresTrainModeOnSuccess(t *testing.T) {
	model := &modeModel{training: true}
	g := NewGateway(&fakeEvaluator{}, Options{Tasks: allTasks, Role: distributed.RoleDesignated})
	_, err := g.Run(context.Background(), model, 0)
	require.NoError(t, err)
	assert.True(t, model.training)
}

func TestRunRejectsWorker(t *testing.T) {
	ev := &fakeEvaluator{}
	model := &modeModel{training: true}
	g := NewGateway(ev, Options{Tasks: allTasks, Role: distributed.RoleWorker})

	_, err := g.Run(context.Background(), model, 0)
	assert.ErrorIs(t, err, ErrNotDesignated)
	assert.Empty(t, ev.requests)
	assert.Empty(t, model.switches)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &modeModel{training: true}
	g := NewGateway(&fakeEvaluator{}, Options{Tasks: allTasks, Role: distributed.RoleDesignated})

	_, err := g.Run(ctx, model, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, model.training)
}
