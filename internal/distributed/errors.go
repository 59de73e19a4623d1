package distributed

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidIdentity    = errors.New("invalid distributed identity")
	ErrUnknownBackend     = errors.New("unknown distributed backend")
	ErrWorldSizeMismatch  = errors.New("participant count does not match world size")
	ErrDuplicateRank      = errors.New("duplicate rank in rendezvous")
	ErrRendezvousRejected = errors.New("rendezvous rejected by rank 0")
	ErrClosed             = errors.New("process group closed")
)

// InitError reports a failure to join the process group. It is fatal.
type InitError struct {
	Backend string
	Rank    int
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("distributed init (%s backend, rank %d): %v", e.Backend, e.Rank, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
