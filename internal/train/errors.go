package train

import (
	"errors"
	"fmt"

	"github.com/born-ml/borntrain/internal/checkpoint"
	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/distributed"
	"github.com/born-ml/borntrain/internal/eval"
)

// Stage names the phase a fatal error happened in.
type Stage string

// Stages.
const (
	StageInit     Stage = "init"
	StageLoad     Stage = "load"
	StageTrain    Stage = "train"
	StageEvaluate Stage = "evaluate"
	StageSave     Stage = "save"
	StageFinalize Stage = "finalize"
)

// Error kinds. None of them is retried.
type (
	ConfigurationError   = config.Error
	DistributedInitError = distributed.InitError
	CheckpointLoadError  = checkpoint.LoadError
	CheckpointSaveError  = checkpoint.SaveError
	EvaluationError      = eval.Error
)

// ErrMissingCollaborator is returned when a required collaborator is nil.
var ErrMissingCollaborator = errors.New("missing collaborator")

// StageError wraps every fatal error returned by Run.
type StageError struct {
	Stage Stage
	Run   string
	Epoch int // -1 before the first epoch
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (run %q, epoch %d): %v", e.Stage, e.Run, e.Epoch, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
