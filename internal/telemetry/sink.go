// Package telemetry records metrics and artifacts for a training run.
//
// Only the designated rank opens a real Sink; every other rank uses Nop.
// Logging follows the usual experiment-tracker contract: metrics logged with
// commit=false accumulate into the pending row for their step, and a
// commit=true call (or a call for a later step) writes the row out.
package telemetry

import (
	"errors"
)

// ErrClosed is returned by a Sink used after Close.
var ErrClosed = errors.New("telemetry sink closed")

// ErrStepRegression is returned when a metric targets a step that has
// already been committed.
var ErrStepRegression = errors.New("step is behind the committed step")

// Sink receives run metrics and artifacts.
type Sink interface {
	// Log merges metrics into the row for step. commit=true writes the row.
	Log(metrics map[string]float64, step int, commit bool) error

	// Step returns the step the next row will be written at.
	Step() int

	// Save registers a file produced by the run as an artifact.
	Save(path string) error

	// Close flushes any pending row.
	Close() error
}

// Nop discards everything. Step is always 0.
type Nop struct{}

func (Nop) Log(map[string]float64, int, bool) error { return nil }
func (Nop) Step() int                               { return 0 }
func (Nop) Save(string) error                       { return nil }
func (Nop) Close() error                            { return nil }

var _ Sink = Nop{}
