// Package checkpoint persists and restores training state for a run.
//
// A run directory holds at most one record per epoch, named
// checkpoint_<epoch>.pt, plus final_weights.pt once the run completes.
// The latest record is the one with the numerically largest epoch.
//
// Records are written to a temp file, fsynced and renamed into place, so a
// crash mid-write never leaves a truncated checkpoint_<epoch>.pt behind.
// The previous epoch's record is only removed after the rename succeeded.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/nn"
	"github.com/born-ml/borntrain/internal/serialization"
	"github.com/born-ml/borntrain/internal/tensor"
)

// FinalWeightsName is the file written by Finalize.
const FinalWeightsName = "final_weights.pt"

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

var recordPattern = regexp.MustCompile(`^checkpoint_(\d+)\.pt$`)

// FileName returns the record file name for epoch.
func FileName(epoch int) string {
	return fmt.Sprintf("checkpoint_%d.pt", epoch)
}

// ParseEpoch extracts the epoch from a record file name.
func ParseEpoch(name string) (int, bool) {
	m := recordPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	epoch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return epoch, true
}

// Model is the model surface the manager needs. Loads into a Model are
// lenient.
type Model interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(sd map[string]*tensor.RawTensor, strict bool) (nn.LoadReport, error)
}

// Stateful is an optimizer or scheduler. Loads into a Stateful are strict.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(sd map[string]*tensor.RawTensor) error
}

// Options configure a Manager.
type Options struct {
	RunDir         string
	RunName        string
	Role           distributed.Role
	DeletePrevious bool
	Logger         *logrus.Entry
}

// Manager discovers, loads, saves, rotates and finalizes records for one run.
type Manager struct {
	runDir         string
	runName        string
	role           distributed.Role
	deletePrevious bool
	log            *logrus.Entry
}

// NewManager returns a manager for opts.RunDir.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Manager{
		runDir:         opts.RunDir,
		runName:        opts.RunName,
		role:           opts.Role,
		deletePrevious: opts.DeletePrevious,
		log:            log.WithField("component", "checkpoint"),
	}
}

// RunDir returns the directory records are written to.
func (m *Manager) RunDir() string { return m.runDir }

// Path returns the record path for epoch.
func (m *Manager) Path(epoch int) string {
	return filepath.Join(m.runDir, FileName(epoch))
}

// FinalWeightsPath returns the final-weights path.
func (m *Manager) FinalWeightsPath() string {
	return filepath.Join(m.runDir, FinalWeightsName)
}

// Discover returns the record to resume from.
//
// An explicit path wins. Otherwise the run directory is scanned for
// checkpoint_<n>.pt and the largest n is chosen. found is false when the
// directory does not exist or holds no records; that is a fresh start, not
// an error.
func (m *Manager) Discover(explicit string) (path string, found bool, err error) {
	if explicit != "" {
		return explicit, true, nil
	}
	entries, err := os.ReadDir(m.runDir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan %s: %w", m.runDir, err)
	}

	best := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if epoch, ok := ParseEpoch(e.Name()); ok && epoch > best {
			best = epoch
		}
	}
	if best < 0 {
		m.log.Infof("No checkpoints found in %s", m.runDir)
		return "", false, nil
	}
	return m.Path(best), true, nil
}

// Resume is the outcome of Resolve.
type Resume struct {
	Path        string        // Empty on a fresh start
	Epoch       int           // Last completed epoch, FreshEpoch on a fresh start
	NextEpoch   int           // First epoch to run
	ModelReport nn.LoadReport // Keys skipped by the lenient model load
}

// Fresh reports whether no record was loaded.
func (r Resume) Fresh() bool { return r.Path == "" }

// Resolve discovers and loads the record to resume from. Every rank calls it.
func (m *Manager) Resolve(explicit string, model Model, opt, sched Stateful) (Resume, error) {
	path, found, err := m.Discover(explicit)
	if err != nil {
		return Resume{}, &LoadError{Path: m.runDir, Err: err}
	}
	if !found {
		return Resume{Epoch: FreshEpoch, NextEpoch: 0}, nil
	}
	return m.Load(path, model, opt, sched)
}

// Load restores model, optimizer and scheduler from path.
//
// Model weights load leniently: missing and unexpected keys are reported
// and logged. Optimizer and scheduler state load strictly, and a record
// without those sections is rejected.
func (m *Manager) Load(path string, model Model, opt, sched Stateful) (Resume, error) {
	m.log.Infof("Loading checkpoint from %s", path)
	state, _, err := ReadRecord(path)
	if err != nil {
		return Resume{}, &LoadError{Path: path, Err: err}
	}

	report, err := model.LoadStateDict(state.Model, false)
	if err != nil {
		return Resume{}, &LoadError{Path: path, Err: fmt.Errorf("model: %w", err)}
	}
	if !report.Clean() {
		m.log.WithFields(logrus.Fields{
			"missing":    report.Missing,
			"unexpected": report.Unexpected,
		}).Warn("Model weights loaded with mismatched keys")
	}

	if opt != nil {
		if len(state.Optimizer) == 0 {
			return Resume{}, &LoadError{Path: path, Err: fmt.Errorf("%w: optimizer", ErrMissingSection)}
		}
		if err := opt.LoadStateDict(state.Optimizer); err != nil {
			return Resume{}, &LoadError{Path: path, Err: fmt.Errorf("optimizer: %w", err)}
		}
	}
	if sched != nil {
		if len(state.Scheduler) == 0 {
			return Resume{}, &LoadError{Path: path, Err: fmt.Errorf("%w: scheduler", ErrMissingSection)}
		}
		if err := sched.LoadStateDict(state.Scheduler); err != nil {
			return Resume{}, &LoadError{Path: path, Err: fmt.Errorf("scheduler: %w", err)}
		}
	}

	return Resume{
		Path:        path,
		Epoch:       state.Epoch,
		NextEpoch:   state.Epoch + 1,
		ModelReport: report,
	}, nil
}

// EnsureRunDir creates the run directory. Designated rank only.
func (m *Manager) EnsureRunDir() error {
	if !m.role.Designated() {
		return ErrNotDesignated
	}
	if err := os.MkdirAll(m.runDir, dirPerm); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	return nil
}

// Save writes the record for epoch. Designated rank only.
func (m *Manager) Save(epoch int, model Model, opt, sched Stateful) (string, error) {
	path := m.Path(epoch)
	if !m.role.Designated() {
		return "", &SaveError{Path: path, Epoch: epoch, Err: ErrNotDesignated}
	}
	state := TrainingState{Epoch: epoch, Model: model.StateDict()}
	if opt != nil {
		state.Optimizer = opt.StateDict()
	}
	if sched != nil {
		state.Scheduler = sched.StateDict()
	}

	m.log.Infof("Saving checkpoint to %s", path)
	err := writeFileAtomic(path, filePerm, func(w *bufio.Writer) error {
		return encodeRecord(w, m.runName, state)
	})
	if err != nil {
		return "", &SaveError{Path: path, Epoch: epoch, Err: err}
	}
	return path, nil
}

// Rotate removes the record of epoch-1 after epoch was saved. Call it only
// once Save has returned, so the new record is in place first.
//
// Nothing is removed when rotation is disabled or at epoch 0, which has no
// predecessor. A resumed run rotates from its first epoch on, so repeated
// restarts keep a single record. A record that is already gone is not an
// error.
func (m *Manager) Rotate(epoch int) (removed string, err error) {
	if !m.deletePrevious || epoch <= 0 {
		return "", nil
	}
	if !m.role.Designated() {
		return "", ErrNotDesignated
	}
	prev := m.Path(epoch - 1)
	if err := os.Remove(prev); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.log.Debugf("Previous checkpoint %s already absent", prev)
			return "", nil
		}
		return "", fmt.Errorf("remove previous checkpoint: %w", err)
	}
	m.log.Infof("Removed previous checkpoint %s", prev)
	return prev, nil
}

// Finalize writes final_weights.pt with the model weights only.
func (m *Manager) Finalize(model Model, lastEpoch int) (string, error) {
	path := m.FinalWeightsPath()
	if !m.role.Designated() {
		return "", &SaveError{Path: path, Epoch: lastEpoch, Err: ErrNotDesignated}
	}
	m.log.Infof("Saving final weights to %s", path)
	err := writeFileAtomic(path, filePerm, func(w *bufio.Writer) error {
		return serialization.WriteTo(w, model.StateDict(), serialization.Header{
			Kind:     serialization.KindFinalWeights,
			Metadata: map[string]string{"run_name": m.runName, "epoch": strconv.Itoa(lastEpoch)},
		})
	})
	if err != nil {
		return "", &SaveError{Path: path, Epoch: lastEpoch, Err: err}
	}
	return path, nil
}
