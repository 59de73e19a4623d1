package serialization

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Limits applied to every header before any tensor data is read.
const (
	MaxHeaderSize    = maxHeaderSizeRaw
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// Section prefixes of the tensor names in a checkpoint record.
const (
	SectionModel     = "model."
	SectionOptimizer = "optimizer."
	SectionScheduler = "scheduler."
)

// Sections lists the checkpoint sections in record order.
var Sections = []string{SectionModel, SectionOptimizer, SectionScheduler}

// SectionOf returns the section prefix that name belongs to.
func SectionOf(name string) (string, bool) {
	for _, s := range Sections {
		if strings.HasPrefix(name, s) && len(name) > len(s) {
			return s, true
		}
	}
	return "", false
}

// ValidationLevel controls how much of a header is checked.
type ValidationLevel int

const (
	// ValidationStrict checks names, record structure and the data layout.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal skips the data layout check.
	ValidationNormal
	// ValidationNone trusts the header as is.
	ValidationNone
)

// ValidateHeader checks h against the rules for its Kind.
//
// Checkpoint records must carry CheckpointMeta, put every tensor under one
// of the Sections, hold a model section, and agree with HasOptimizer and
// HasScheduler. Final weights must not carry CheckpointMeta.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}

	seen := make(map[string]bool, len(h.Tensors))
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		if seen[t.Name] {
			return &ValidationError{Type: "duplicate_name", Tensor: t.Name, Details: "listed more than once"}
		}
		seen[t.Name] = true
	}

	switch h.Kind {
	case KindCheckpoint:
		if err := validateRecord(h); err != nil {
			return err
		}
	case KindFinalWeights:
		if h.CheckpointMeta != nil {
			return &ValidationError{Type: "kind_mismatch", Details: "final weights carry checkpoint metadata"}
		}
	default:
		return &ValidationError{Type: "unknown_kind", Details: fmt.Sprintf("kind %q", h.Kind)}
	}

	if level == ValidationStrict {
		return ValidateLayout(h.Tensors, dataSize)
	}
	return nil
}

func validateRecord(h *Header) error {
	meta := h.CheckpointMeta
	if meta == nil {
		return &ValidationError{Type: "kind_mismatch", Details: "checkpoint record without checkpoint metadata"}
	}
	if meta.Epoch < 0 {
		return &ValidationError{Type: "invalid_epoch", Details: fmt.Sprintf("epoch %d", meta.Epoch)}
	}

	counts := make(map[string]int, len(Sections))
	for _, t := range h.Tensors {
		section, ok := SectionOf(t.Name)
		if !ok {
			return &ValidationError{
				Type:    "no_section",
				Tensor:  t.Name,
				Details: fmt.Sprintf("name is not under any of %v", Sections),
			}
		}
		counts[section]++
	}
	if counts[SectionModel] == 0 {
		return &ValidationError{Type: "missing_section", Details: "record holds no model weights"}
	}

	flags := []struct {
		field   string
		set     bool
		section string
	}{
		{"has_optimizer", meta.HasOptimizer, SectionOptimizer},
		{"has_scheduler", meta.HasScheduler, SectionScheduler},
	}
	for _, f := range flags {
		if f.set != (counts[f.section] > 0) {
			return &ValidationError{
				Type:    "section_mismatch",
				Details: fmt.Sprintf("%s is %t but the record holds %d %s tensors", f.field, f.set, counts[f.section], f.section),
			}
		}
	}
	return nil
}

// ValidateTensorName rejects names that cannot be a parameter or state key.
func ValidateTensorName(name string) error {
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	}
	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	}
	if i := strings.IndexFunc(name, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }); i >= 0 {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: fmt.Sprintf("control or space character at byte %d", i)}
	}
	return nil
}

// ValidateLayout checks that tensors tile the data section exactly, the
// way WriteTo lays them out: no negative or out-of-range region, no overlap,
// no gap and no trailing bytes.
func ValidateLayout(tensors []TensorMeta, dataSize int64) error {
	sorted := slices.SortedFunc(slices.Values(tensors), func(a, b TensorMeta) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	var end int64
	for i, t := range sorted {
		switch {
		case t.Offset < 0 || t.Size < 0:
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		case t.Offset+t.Size > dataSize:
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		case t.Offset < end:
			prev := sorted[i-1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  prev.Name,
				Tensor2: t.Name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
					prev.Offset, prev.Offset+prev.Size, t.Offset, t.Offset+t.Size),
			}
		case t.Offset > end:
			return &ValidationError{
				Type:    "offset_gap",
				Tensor:  t.Name,
				Details: fmt.Sprintf("bytes [%d-%d] belong to no tensor", end, t.Offset),
			}
		}
		end = t.Offset + t.Size
	}
	if end != dataSize {
		return &ValidationError{
			Type:    "offset_gap",
			Details: fmt.Sprintf("data section has %d bytes, tensors cover %d", dataSize, end),
		}
	}
	return nil
}
