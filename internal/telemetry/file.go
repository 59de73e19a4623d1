package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Run modes recorded in run.json.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

const (
	historyFile = "history.jsonl"
	metaFile    = "run.json"
	filesDir    = "files"
)

// FileOptions configure a FileSink.
type FileOptions struct {
	Dir     string // Root telemetry directory
	Project string
	Entity  string
	RunName string
	Offline bool           // Mark the run as offline-only
	Config  map[string]any // Run configuration snapshot
	Logger  *logrus.Entry
}

// RunMeta is written to run.json when the sink opens.
type RunMeta struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Project   string         `json:"project"`
	Entity    string         `json:"entity,omitempty"`
	Mode      string         `json:"mode"`
	StartedAt time.Time      `json:"started_at"`
	Config    map[string]any `json:"config,omitempty"`
}

// FileSink writes committed rows as JSON lines under
// <Dir>/<Project>/<run id>/history.jsonl.
type FileSink struct {
	mu        sync.Mutex
	meta      RunMeta
	dir       string
	history   *os.File
	enc       *json.Encoder
	step      int
	pending   map[string]float64
	pendingAt int
	closed    bool
	log       *logrus.Entry
}

// OpenFile creates the run directory and returns a sink writing into it.
func OpenFile(opts FileOptions) (*FileSink, error) {
	if opts.Project == "" {
		return nil, errors.New("telemetry project is required")
	}
	mode := ModeOnline
	if opts.Offline {
		mode = ModeOffline
	}
	meta := RunMeta{
		ID:        uuid.NewString(),
		Name:      opts.RunName,
		Project:   opts.Project,
		Entity:    opts.Entity,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Config:    opts.Config,
	}
	dir := filepath.Join(opts.Dir, opts.Project, meta.ID)
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry run dir: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode run metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write run metadata: %w", err)
	}

	//nolint:gosec // G304: path is built from configuration
	history, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	log = log.WithFields(logrus.Fields{"component": "telemetry", "telemetry_run": meta.ID})
	log.Infof("Telemetry run %q (%s) writing to %s", meta.Name, mode, dir)

	return &FileSink{
		meta:      meta,
		dir:       dir,
		history:   history,
		enc:       json.NewEncoder(history),
		pendingAt: -1,
		log:       log,
	}, nil
}

// Meta returns the run metadata.
func (s *FileSink) Meta() RunMeta { return s.meta }

// Dir returns the run directory.
func (s *FileSink) Dir() string { return s.dir }

// Log implements Sink.
func (s *FileSink) Log(metrics map[string]float64, step int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if step < s.step {
		return fmt.Errorf("%w: got %d, next is %d", ErrStepRegression, step, s.step)
	}
	if s.pending != nil && step != s.pendingAt {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}
	if s.pending == nil {
		s.pending = make(map[string]float64, len(metrics))
		s.pendingAt = step
	}
	maps.Copy(s.pending, metrics)
	if commit {
		return s.flushLocked()
	}
	return nil
}

func (s *FileSink) flushLocked() error {
	if s.pending == nil {
		return nil
	}
	row := make(map[string]any, len(s.pending)+2)
	for k, v := range s.pending {
		row[k] = v
	}
	row["_step"] = s.pendingAt
	row["_timestamp"] = float64(time.Now().UnixNano()) / 1e9
	if err := s.enc.Encode(row); err != nil {
		return fmt.Errorf("write history row: %w", err)
	}
	s.step = s.pendingAt + 1
	s.pending = nil
	s.pendingAt = -1
	return nil
}

// Step implements Sink.
func (s *FileSink) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Save copies path into the run's files directory. The copy outlives the
// source, so checkpoints removed by rotation stay readable here.
func (s *FileSink) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	dst := filepath.Join(s.dir, filesDir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("save artifact %s: %w", path, err)
	}
	s.log.Debugf("Copied artifact %s", path)
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.flushLocked(), s.history.Close())
}

// copyFile writes src to a temporary name next to dst and renames it, so a
// reader never sees a partial artifact.
func copyFile(src, dst string) (err error) {
	//nolint:gosec // G304: artifact paths are produced by the run
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(out.Name(), dst)
}

var _ Sink = (*FileSink)(nil)
