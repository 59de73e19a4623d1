package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ProgressFileName is the status file written into the run directory.
const ProgressFileName = "progress.json"

// Progress is the JSON structure of the status file, readable by job
// controllers that poll training progression.
type Progress struct {
	CurrentEpoch    *int64         `json:"current_epoch,omitempty"`
	TotalEpochs     *int64         `json:"total_epochs,omitempty"`
	CurrentStep     *int64         `json:"current_step,omitempty"`
	Message         string         `json:"message,omitempty"`
	TrainingMetrics map[string]any `json:"training_metrics,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	StartTime       *int64         `json:"start_time,omitempty"`
}

// ProgressFile rewrites a status file after each epoch.
type ProgressFile struct {
	path  string
	start int64
	total int64
}

// NewProgressFile returns a writer for <dir>/progress.json.
func NewProgressFile(dir string, totalEpochs int) *ProgressFile {
	return &ProgressFile{
		path:  filepath.Join(dir, ProgressFileName),
		start: time.Now().Unix(),
		total: int64(totalEpochs),
	}
}

// Path returns the status file path.
func (p *ProgressFile) Path() string { return p.path }

// Update records that epoch (0-based) finished with the given metrics.
func (p *ProgressFile) Update(epoch int, message string, metrics map[string]float64) error {
	current := int64(epoch + 1)
	status := Progress{
		CurrentEpoch: &current,
		TotalEpochs:  &p.total,
		Message:      message,
		Timestamp:    time.Now().Unix(),
		StartTime:    &p.start,
	}
	if len(metrics) > 0 {
		status.Metrics = make(map[string]any, len(metrics))
		for k, v := range metrics {
			status.Metrics[k] = v
		}
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

// ReadProgress decodes a status file.
func ReadProgress(path string) (Progress, error) {
	//nolint:gosec // G304: path is built from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}
