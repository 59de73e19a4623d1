package distributed

import (
	"fmt"
	"strings"

	"github.com/born-ml/borntrain/internal/tensor"
)

// DesignatedRank is the rank that performs run-level side effects.
const DesignatedRank = 0

// Identity is this process's immutable place in the run.
type Identity struct {
	Rank      int
	WorldSize int
	LocalRank int
	DeviceID  int
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("rank %d/%d (local %d, device %d)", id.Rank, id.WorldSize, id.LocalRank, id.DeviceID)
}

// Role says whether a process performs run-level side effects: creating the
// run directory, writing checkpoints and final weights, evaluating and
// reporting telemetry.
type Role int

const (
	RoleWorker Role = iota
	RoleDesignated
)

// RoleFor resolves the role of rank.
func RoleFor(rank int) Role {
	if rank == DesignatedRank {
		return RoleDesignated
	}
	return RoleWorker
}

// Designated reports whether the role performs side effects.
func (r Role) Designated() bool {
	return r == RoleDesignated
}

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleDesignated {
		return "designated"
	}
	return "worker"
}

// DeviceID returns the device index for a process.
//
// By default the device is rank mod devicesPerNode. With noSetDeviceRank the
// launcher is expected to expose a single device per process, so index 0 is
// used.
func DeviceID(rank, devicesPerNode int, noSetDeviceRank bool) int {
	if noSetDeviceRank || devicesPerNode <= 0 {
		return 0
	}
	return rank % devicesPerNode
}

// DeviceHandle is the compute device bound to this process.
type DeviceHandle struct {
	Kind  tensor.Device
	Index int
}

// String implements fmt.Stringer.
func (d DeviceHandle) String() string {
	kind := strings.ToLower(d.Kind.String())
	if d.Kind == tensor.CPU {
		return kind
	}
	return fmt.Sprintf("%s:%d", kind, d.Index)
}

func validateIdentity(rank, localRank, worldSize int) error {
	switch {
	case worldSize < 1:
		return fmt.Errorf("%w: world size %d", ErrInvalidIdentity, worldSize)
	case rank < 0 || rank >= worldSize:
		return fmt.Errorf("%w: rank %d outside world size %d", ErrInvalidIdentity, rank, worldSize)
	case localRank < 0:
		return fmt.Errorf("%w: local rank %d", ErrInvalidIdentity, localRank)
	}
	return nil
}
