package synthetic

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/borntrain/internal/checkpoint"
	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/eval"
	"github.com/born-ml/borntrain/internal/logging"
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/optim"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/telemetry"
	"github.com/born-ml/borntrain/internal/tokenizer"
	"github.com/born-ml/borntrain/internal/train"
)

type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := range len(text) {
		out[i] = int32(text[i])
	}
	return out, nil
}

func (byteTokenizer) Decode(tokens []int32) (string, error) {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b), nil
}

func (byteTokenizer) VocabSize() int               { return 256 }
func (byteTokenizer) EosToken() int32              { return 0 }
func (byteTokenizer) PadToken() int32              { return -1 }
func (byteTokenizer) IsSpecialToken(t int32) bool { return t == 0 }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		RunName:                   "synthetic",
		OutputDir:                 dir,
		NumEpochs:                 2,
		BatchSize:                 8,
		GradientAccumulationSteps: 1,
		Seed:                      42,
		LearningRate:              1e-3,
		WarmupSteps:               4,
		WeightDecay:               0.1,
		Precision:                 "fp32",
		DatasetType:               config.DatasetImageText,
		TrainNumSamples:           32,
		Workers:                   1,
		DistURL:                   "env://",
		DistBackend:               "local",
		DevicesPerNode:            1,
		Device:                    "cpu",
		TelemetryProject:          "open-flamingo",
		TelemetryDir:              filepath.Join(dir, "telemetry"),
		LogLevel:                  "info",
		LogFormat:                 config.LogFormatText,
		WorldSize:                 1,
	}
}

func testEnv(t *testing.T, cfg *config.Config, rank, world int) train.Env {
	t.Helper()
	seeds := seed.NewController()
	seeds.ApplyBase(cfg.Seed)
	return train.Env{
		Config:    cfg,
		Identity:  distributed.Identity{Rank: rank, WorldSize: world},
		Role:      distributed.RoleFor(rank),
		Tokenizer: tokenizer.WithMediaTokens(byteTokenizer{}),
		Seeds:     seeds,
		Sink:      telemetry.Nop{},
		Logger:    logging.Discard(),
	}
}

func buildModel(t *testing.T, env train.Env) *Model {
	t.Helper()
	m, err := (&ModelBuilder{Config: DefaultModelConfig()}).Build(context.Background(), env)
	require.NoError(t, err)
	return m.(*Model)
}

func TestModelLayout(t *testing.T) {
	env := testEnv(t, testConfig(t), 0, 1)
	m := buildModel(t, env)

	groups := nn.GroupParameters(nn.Trainable(m.Parameters()), 0.1)
	var decayNames []string
	for _, p := range groups[0].Params {
		decayNames = append(decayNames, p.Name())
	}
	assert.Len(t, decayNames, 10, "five decayed matrices in each of two blocks")
	assert.Contains(t, decayNames, "lang_encoder.gated_cross_attn_layers.1.attn.to_q.weight")
	assert.NotContains(t, decayNames, "lang_encoder.gated_cross_attn_layers.1.attn_gate")
	assert.NotContains(t, decayNames, "lang_encoder.gated_cross_attn_layers.1.attn.norm.weight")

	sd := m.StateDict()
	assert.NotContains(t, sd, "vision_encoder.conv1.weight", "frozen weights are not checkpointed")
	assert.Contains(t, sd, "perceiver.latents")
	assert.Equal(t, []int{259, 8}, []int(sd["lang_encoder.embed_tokens.weight"].Shape()), "embeddings cover the media tokens")
	assert.Equal(t, []float32{0}, m.Param("lang_encoder.gated_cross_attn_layers.3.ff_gate").Tensor().AsFloat32())
}

func TestModelInitIsSeeded(t *testing.T) {
	cfg := testConfig(t)
	a := buildModel(t, testEnv(t, cfg, 0, 1))
	b := buildModel(t, testEnv(t, cfg, 3, 4))
	assert.Equal(t, a.Param("perceiver.latents").Tensor().AsFloat32(), b.Param("perceiver.latents").Tensor().AsFloat32(),
		"every rank builds identical weights from the base seed")

	cfg2 := testConfig(t)
	cfg2.Seed = 7
	c := buildModel(t, testEnv(t, cfg2, 0, 1))
	assert.NotEqual(t, a.Param("perceiver.latents").Tensor().AsFloat32(), c.Param("perceiver.latents").Tensor().AsFloat32())
}

func buildDataset(t *testing.T, env train.Env) *Dataset {
	t.Helper()
	ds, err := DatasetBuilder{}.Build(context.Background(), env)
	require.NoError(t, err)
	return ds.(*Dataset)
}

func countToken(seq []int32, id int32) int {
	n := 0
	for _, tok := range seq {
		if tok == id {
			n++
		}
	}
	return n
}

func TestDatasetTypes(t *testing.T) {
	cfg := testConfig(t)
	env := testEnv(t, cfg, 0, 1)
	media := env.Tokenizer.(*tokenizer.MediaTokenizer)
	imageID := media.TokenID(tokenizer.ImageToken)

	ds := buildDataset(t, env)
	assert.Equal(t, 32, ds.NumSamples())
	assert.Equal(t, 4, ds.NumBatches())
	assert.Equal(t, 1, countToken(ds.Batch(0)[0], imageID))

	cfg.DatasetType = config.DatasetInterleaved
	ds = buildDataset(t, env)
	assert.Equal(t, 3, countToken(ds.Batch(0)[0], imageID))
}

func TestDatasetShuffleIsPerEpoch(t *testing.T) {
	env := testEnv(t, testConfig(t), 0, 1)
	ds := buildDataset(t, env)

	ds.SetEpoch(1)
	first := ds.Batch(0)
	ds.SetEpoch(2)
	second := ds.Batch(0)
	ds.SetEpoch(1)
	again := ds.Batch(0)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, second)
}

func TestDatasetShardsByRank(t *testing.T) {
	cfg := testConfig(t)
	r0 := buildDataset(t, testEnv(t, cfg, 0, 2))
	r1 := buildDataset(t, testEnv(t, cfg, 1, 2))
	assert.Equal(t, 16, r0.NumSamples())
	assert.Equal(t, 16, r1.NumSamples())
}

func TestDatasetFromShardFiles(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard_000.txt"), []byte("a cat\n\na dog\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard_001.txt"), []byte("a bird\n"), 0o644))
	cfg.Shards = filepath.Join(dir, "shard_*.txt")
	cfg.TrainNumSamples = 0

	ds := buildDataset(t, testEnv(t, cfg, 0, 1))
	assert.Equal(t, 3, ds.NumSamples())

	cfg.Shards = filepath.Join(dir, "missing_*.txt")
	_, err := DatasetBuilder{}.Build(context.Background(), testEnv(t, cfg, 0, 1))
	require.Error(t, err)
}

type countingSink struct {
	telemetry.Nop
	rows []map[string]float64
}

func (s *countingSink) Log(m map[string]float64, _ int, commit bool) error {
	if commit {
		s.rows = append(s.rows, m)
	}
	return nil
}

func (s *countingSink) Step() int { return len(s.rows) }

func TestExecutorGradientAccumulation(t *testing.T) {
	cfg := testConfig(t)
	cfg.GradientAccumulationSteps = 2
	env := testEnv(t, cfg, 0, 1)
	sink := &countingSink{}
	env.Sink = sink

	m := buildModel(t, env)
	ds := buildDataset(t, env)
	opt := optim.NewAdamW(nn.GroupParameters(nn.Trainable(m.Parameters()), 0.1), optim.AdamWConfig{LR: 1e-3})
	sched := optim.NewConstantWithWarmup(opt, 4)
	before := m.Param("perceiver.latents").Tensor().Clone().AsFloat32()

	err := (&Executor{}).TrainEpoch(context.Background(), train.EpochJob{
		Epoch: 0, Model: m, Optimizer: opt, Scheduler: sched, Dataset: ds, Env: env,
	})
	require.NoError(t, err)

	assert.EqualValues(t, 2, sched.LastStep(), "4 batches with 2 accumulation steps")
	require.Len(t, sink.rows, 2)
	assert.EqualValues(t, 2, sink.rows[1]["global_step"])
	assert.Contains(t, sink.rows[0], "loss")
	assert.NotEqual(t, before, m.Param("perceiver.latents").Tensor().AsFloat32())
	for _, p := range m.Parameters() {
		assert.Nil(t, p.Grad(), "gradients are cleared after the last step")
	}
}

func TestEvaluator(t *testing.T) {
	env := testEnv(t, testConfig(t), 0, 1)
	m := buildModel(t, env)

	for task, metric := range metricNames {
		scores, err := Evaluator{}.Evaluate(context.Background(), m, eval.Request{Task: task, NumSamples: 5000})
		require.NoError(t, err)
		require.Contains(t, scores, metric)
		assert.Positive(t, scores[metric])
	}
	_, err := Evaluator{}.Evaluate(context.Background(), m, eval.Request{Task: "imagenet", NumSamples: 1})
	require.Error(t, err)
}

func readHistory(t *testing.T, telemetryDir string) []map[string]any {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(telemetryDir, "open-flamingo", "*", "history.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, sc.Err())
	return rows
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.DoEval = true
	cfg.ReportToTelemetry = true
	cfg.DeletePreviousCheckpoint = true

	collab := Collaborators()
	collab.Tokenizer = tokenizer.WithMediaTokens(byteTokenizer{})
	res, err := train.Run(context.Background(), cfg, collab, train.WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.Equal(t, 1, res.LastEpoch)
	assert.Len(t, res.Saved, 2)
	assert.Equal(t, []string{filepath.Join(cfg.RunDir(), "checkpoint_0.pt")}, res.Removed)
	require.Contains(t, res.Scores, 1)
	assert.Contains(t, res.Scores[1], "vqav2_accuracy")

	weights, err := checkpoint.ReadFinalWeights(res.FinalWeights)
	require.NoError(t, err)
	assert.Contains(t, weights, "perceiver.latents")
	assert.NotContains(t, weights, "vision_encoder.conv1.weight")

	state, _, err := checkpoint.ReadRecord(filepath.Join(cfg.RunDir(), "checkpoint_1.pt"))
	require.NoError(t, err)
	assert.Equal(t, 1, state.Epoch)
	assert.NotEmpty(t, state.Optimizer)
	assert.NotEmpty(t, state.Scheduler)

	// Four training rows per epoch, then one row holding all three scores.
	rows := readHistory(t, cfg.TelemetryDir)
	require.Len(t, rows, 10)
	assert.Contains(t, rows[4], "coco_cider")
	assert.Contains(t, rows[4], "okvqa_accuracy")
	assert.Contains(t, rows[4], "vqav2_accuracy")
	assert.NotContains(t, rows[4], "loss")
}
