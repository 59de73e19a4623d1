// Package config defines the run configuration and loads it from flags, an
// optional YAML file and the environment.
//
// Precedence, highest first: command-line flags, BORN_TRAIN_* environment
// variables, the config file, defaults. Process identity (rank, local rank,
// world size) and the rendezvous address are read from the launcher's
// environment variables only, once, in Load. No other package reads the
// environment.
package config

import (
	"path/filepath"
)

// Dataset types.
const (
	DatasetImageText   = "image_text"
	DatasetInterleaved = "interleaved"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Precisions accepted by --precision.
var Precisions = []string{"amp_bf16", "amp_bfloat16", "bf16", "fp16", "fp32"}

// Config is the validated run configuration. It is not modified after Load.
type Config struct {
	// Model sources.
	VisionEncoderPath string `mapstructure:"vision-encoder-path" yaml:"vision-encoder-path"`
	CLIPProcessorPath string `mapstructure:"clip-processor-path" yaml:"clip-processor-path"`
	LMPath            string `mapstructure:"lm-path" yaml:"lm-path"`
	TokenizerPath     string `mapstructure:"tokenizer-path" yaml:"tokenizer-path"`
	TokenizerCacheDir string `mapstructure:"tokenizer-cache-dir" yaml:"tokenizer-cache-dir"`

	// Run.
	RunName   string `mapstructure:"run-name" yaml:"run-name"`
	OutputDir string `mapstructure:"output-dir" yaml:"output-dir"`
	Offline   bool   `mapstructure:"offline" yaml:"offline"`

	// Schedule.
	NumEpochs                 int     `mapstructure:"num-epochs" yaml:"num-epochs"`
	BatchSize                 int     `mapstructure:"batch-size" yaml:"batch-size"`
	GradientAccumulationSteps int     `mapstructure:"gradient-accumulation-steps" yaml:"gradient-accumulation-steps"`
	Seed                      int64   `mapstructure:"seed" yaml:"seed"`
	LearningRate              float64 `mapstructure:"learning-rate" yaml:"learning-rate"`
	WarmupSteps               int     `mapstructure:"warmup-steps" yaml:"warmup-steps"`
	WeightDecay               float64 `mapstructure:"weight-decay" yaml:"weight-decay"`
	Precision                 string  `mapstructure:"precision" yaml:"precision"`

	// Checkpoints.
	ResumeFromCheckpoint     string `mapstructure:"resume-from-checkpoint" yaml:"resume-from-checkpoint"`
	DeletePreviousCheckpoint bool   `mapstructure:"delete-previous-checkpoint" yaml:"delete-previous-checkpoint"`

	// Data.
	Shards           string `mapstructure:"shards" yaml:"shards"`
	DatasetType      string `mapstructure:"dataset-type" yaml:"dataset-type"`
	Workers          int    `mapstructure:"workers" yaml:"workers"`
	TrainNumSamples  int    `mapstructure:"train-num-samples" yaml:"train-num-samples"`
	DatasetResampled bool   `mapstructure:"dataset-resampled" yaml:"dataset-resampled"`

	// Evaluation.
	DoEval           bool   `mapstructure:"do-eval" yaml:"do-eval"`
	EvalCOCODataDir  string `mapstructure:"eval-coco-data-dir" yaml:"eval-coco-data-dir"`
	EvalOKVQADataDir string `mapstructure:"eval-okvqa-data-dir" yaml:"eval-okvqa-data-dir"`
	EvalVQAv2DataDir string `mapstructure:"eval-vqav2-data-dir" yaml:"eval-vqav2-data-dir"`

	// Distributed.
	DistURL         string `mapstructure:"dist-url" yaml:"dist-url"`
	DistBackend     string `mapstructure:"dist-backend" yaml:"dist-backend"`
	NoSetDeviceRank bool   `mapstructure:"no-set-device-rank" yaml:"no-set-device-rank"`
	DevicesPerNode  int    `mapstructure:"devices-per-node" yaml:"devices-per-node"`
	Device          string `mapstructure:"device" yaml:"device"`

	// Telemetry.
	ReportToTelemetry bool   `mapstructure:"report-to-telemetry" yaml:"report-to-telemetry"`
	TelemetryProject  string `mapstructure:"telemetry-project" yaml:"telemetry-project"`
	TelemetryEntity   string `mapstructure:"telemetry-entity" yaml:"telemetry-entity"`
	TelemetryDir      string `mapstructure:"telemetry-dir" yaml:"telemetry-dir"`

	// Logging.
	LogLevel    string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat   string `mapstructure:"log-format" yaml:"log-format"`
	LogAllRanks bool   `mapstructure:"log-all-ranks" yaml:"log-all-ranks"`

	// Identity, from the launcher's environment.
	Rank       int    `mapstructure:"rank" yaml:"-"`
	LocalRank  int    `mapstructure:"local-rank" yaml:"-"`
	WorldSize  int    `mapstructure:"world-size" yaml:"-"`
	MasterAddr string `mapstructure:"master-addr" yaml:"-"`
	MasterPort string `mapstructure:"master-port" yaml:"-"`

	// RendezvousAddr is DistURL resolved to host:port. Set by Load.
	RendezvousAddr string `mapstructure:"-" yaml:"-"`
}

// RunDir is the directory holding the run's checkpoints and final weights.
func (c *Config) RunDir() string {
	return filepath.Join(c.OutputDir, c.RunName)
}

// ProcessorPath falls back to the vision encoder path.
func (c *Config) ProcessorPath() string {
	if c.CLIPProcessorPath != "" {
		return c.CLIPProcessorPath
	}
	return c.VisionEncoderPath
}

// TokenizerSource falls back to the language model path.
func (c *Config) TokenizerSource() string {
	if c.TokenizerPath != "" {
		return c.TokenizerPath
	}
	return c.LMPath
}

type flagSpec struct {
	name  string
	def   any
	usage string
}

// flagSpecs lists every flag-backed key with its default.
var flagSpecs = []flagSpec{
	{"vision-encoder-path", "openai/clip-vit-large-patch14", "vision encoder weights"},
	{"clip-processor-path", "", "image processor; defaults to --vision-encoder-path"},
	{"lm-path", "facebook/opt-1.3b", "language model weights"},
	{"tokenizer-path", "r50k_base", "tokenizer encoding or model name; defaults to --lm-path"},
	{"tokenizer-cache-dir", "", "directory holding cached tokenizer merge tables"},
	{"run-name", "large-model-test", "run name; names the checkpoint directory and telemetry run"},
	{"output-dir", ".", "parent directory of the run directory"},
	{"offline", false, "never fetch remote assets and keep telemetry local"},
	{"num-epochs", 1, "number of epochs to train"},
	{"batch-size", 128, "per-rank batch size"},
	{"gradient-accumulation-steps", 1, "batches per optimizer step"},
	{"seed", int64(42), "base random seed"},
	{"learning-rate", 1e-4, "peak learning rate"},
	{"warmup-steps", 5000, "linear warmup length in optimizer steps"},
	{"weight-decay", 0.1, "weight decay for gated cross-attention weights"},
	{"precision", "fp32", "numeric precision: amp_bf16, amp_bfloat16, bf16, fp16 or fp32"},
	{"resume-from-checkpoint", "", "checkpoint to resume from instead of the latest in the run directory"},
	{"delete-previous-checkpoint", false, "delete the previous epoch's checkpoint after saving a new one"},
	{"shards", "", "training shard pattern"},
	{"dataset-type", DatasetImageText, "dataset type: image_text or interleaved"},
	{"workers", 1, "data loading workers per rank"},
	{"train-num-samples", 0, "samples per epoch; 0 uses the dataset size"},
	{"dataset-resampled", false, "sample shards with replacement"},
	{"do-eval", false, "evaluate on COCO, OK-VQA and VQAv2 after every epoch"},
	{"eval-coco-data-dir", "", "COCO captioning evaluation data"},
	{"eval-okvqa-data-dir", "", "OK-VQA evaluation data"},
	{"eval-vqav2-data-dir", "", "VQAv2 evaluation data"},
	{"dist-url", "env://", "rendezvous address: env://, tcp://host:port or host:port"},
	{"dist-backend", "tcp", "process group backend: tcp or local"},
	{"no-set-device-rank", false, "bind device 0 instead of rank mod --devices-per-node"},
	{"devices-per-node", 1, "compute devices per node"},
	{"device", "cpu", "device kind: cpu or cuda"},
	{"report-to-telemetry", false, "record metrics and artifacts"},
	{"telemetry-project", "open-flamingo", "telemetry project"},
	{"telemetry-entity", "", "telemetry entity"},
	{"telemetry-dir", "telemetry", "local telemetry directory"},
	{"log-level", "info", "log level: trace, debug, info, warn or error"},
	{"log-format", LogFormatText, "log format: text or json"},
	{"log-all-ranks", false, "log at the configured level on every rank, not only rank 0"},
}
