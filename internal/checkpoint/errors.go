package checkpoint

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotDesignated  = errors.New("only the designated rank writes checkpoints")
	ErrMissingSection = errors.New("required checkpoint section absent")
	ErrNotCheckpoint  = errors.New("file is not a checkpoint record")
)

// LoadError reports a checkpoint that could not be restored. It is fatal.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load checkpoint %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SaveError reports a checkpoint or final-weights write that did not
// complete. The previous record is left in place.
type SaveError struct {
	Path  string
	Epoch int
	Err   error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s (epoch %d): %v", e.Path, e.Epoch, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }
