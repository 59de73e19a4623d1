package serialization

import (
	"crypto/sha256"
	"time"
)

// Format constants.
const (
	MagicBytes       = "BORN"
	FormatVersion    = 2    // v2: fixed header with SHA-256 checksum
	HeaderAlignment  = 64   // Align tensor data to 64 bytes
	FixedHeaderSize  = 64   // Fixed header size (0x40 bytes)
	ChecksumSize     = 32   // SHA-256 checksum size
	ChecksumOffset   = 0x20 // Checksum offset in the fixed header
	producerName     = "born-train"
	producerVersion  = "0.1.0"
	maxHeaderSizeRaw = 100 * 1024 * 1024
)

// Flags for the .born format.
const (
	FlagHasOptimizer uint32 = 1 << 1 // bit 1: optimizer state included
	FlagHasMetadata  uint32 = 1 << 2 // bit 2: custom metadata included
	FlagHasScheduler uint32 = 1 << 3 // bit 3: scheduler state included
)

// Kinds of artifacts stored in a .born file.
const (
	KindCheckpoint   = "checkpoint"
	KindFinalWeights = "final_weights"
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	Producer       string            `json:"producer"`
	Kind           string            `json:"kind"`
	CreatedAt      time.Time         `json:"created_at"`
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata"`
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta contains training state information for checkpoints.
type CheckpointMeta struct {
	Epoch        int    `json:"epoch"`         // Last completed epoch
	RunName      string `json:"run_name"`      // Run the record belongs to
	HasOptimizer bool   `json:"has_optimizer"` // optimizer.* section present
	HasScheduler bool   `json:"has_scheduler"` // scheduler.* section present
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "model.lang_encoder.wte")
	DType  string `json:"dtype"`  // Data type (e.g., "float32")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// ComputeChecksum computes the SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum compares computed checksum against stored checksum.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}

// paddingFor returns the number of zero bytes needed after pos to reach
// the next HeaderAlignment boundary.
func paddingFor(pos int64) int64 {
	return (HeaderAlignment - (pos % HeaderAlignment)) % HeaderAlignment
}
