package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/tensor"
)

// Error reports an unusable configuration. It lists every problem found.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration for missing and contradictory settings.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.TrimSpace(c.RunName) {
	case "", ".", "..":
		add("run-name %q cannot name a directory", c.RunName)
	}
	if c.NumEpochs < 1 {
		add("num-epochs must be at least 1, got %d", c.NumEpochs)
	}
	if c.BatchSize < 1 {
		add("batch-size must be at least 1, got %d", c.BatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		add("gradient-accumulation-steps must be at least 1, got %d", c.GradientAccumulationSteps)
	}
	if c.LearningRate <= 0 {
		add("learning-rate must be positive, got %g", c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		add("warmup-steps cannot be negative, got %d", c.WarmupSteps)
	}
	if c.WeightDecay < 0 {
		add("weight-decay cannot be negative, got %g", c.WeightDecay)
	}
	if !slices.Contains(Precisions, c.Precision) {
		add("precision %q is not one of %v", c.Precision, Precisions)
	}
	if c.Workers < 0 {
		add("workers cannot be negative, got %d", c.Workers)
	}
	if c.TrainNumSamples < 0 {
		add("train-num-samples cannot be negative, got %d", c.TrainNumSamples)
	}
	if c.DatasetType != DatasetImageText && c.DatasetType != DatasetInterleaved {
		add("dataset-type %q is not %s or %s", c.DatasetType, DatasetImageText, DatasetInterleaved)
	}

	if c.WorldSize < 1 {
		add("world size must be at least 1, got %d", c.WorldSize)
	} else if c.Rank < 0 || c.Rank >= c.WorldSize {
		add("rank %d is outside world size %d", c.Rank, c.WorldSize)
	}
	if c.LocalRank < 0 {
		add("local rank cannot be negative, got %d", c.LocalRank)
	}
	switch c.DistBackend {
	case "local":
		if c.WorldSize > 1 {
			add("dist-backend local cannot run %d processes", c.WorldSize)
		}
	case "tcp":
		if c.WorldSize > 1 && c.RendezvousAddr == "" {
			add("dist-url %q does not resolve to an address (MASTER_ADDR and MASTER_PORT unset)", c.DistURL)
		}
	default:
		add("dist-backend %q is not tcp or local", c.DistBackend)
	}
	if c.DevicesPerNode < 0 {
		add("devices-per-node cannot be negative, got %d", c.DevicesPerNode)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		add("device: %v", err)
	}

	if c.ReportToTelemetry && c.TelemetryProject == "" {
		add("report-to-telemetry needs telemetry-project")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		add("log-level: %v", err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		add("log-format %q is not text or json", c.LogFormat)
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}
