package nn

import (
	"fmt"
	"sort"

	"github.com/born-ml/borntrain/internal/tensor"
)

// LoadReport lists the keys that a lenient load skipped.
type LoadReport struct {
	Missing    []string // Parameters with no entry in the state dictionary
	Unexpected []string // State dictionary entries with no matching parameter
}

// Clean reports whether every key matched.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// StateDictOf copies the values of params into a new state dictionary.
func StateDictOf(params []*Parameter) map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		sd[p.Name()] = p.Tensor().Clone()
	}
	return sd
}

// LoadInto copies matching entries of stateDict into params.
//
// Shape or dtype mismatches on a matching key are always an error. With
// strict=true any missing or unexpected key is also an error and nothing is
// written.
func LoadInto(params []*Parameter, stateDict map[string]*tensor.RawTensor, strict bool) (LoadReport, error) {
	var report LoadReport
	byName := make(map[string]*Parameter, len(params))
	for _, p := range params {
		byName[p.Name()] = p
		if _, ok := stateDict[p.Name()]; !ok {
			report.Missing = append(report.Missing, p.Name())
		}
	}
	for name := range stateDict {
		if _, ok := byName[name]; !ok {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)

	if strict && !report.Clean() {
		return report, fmt.Errorf("strict load: %d missing and %d unexpected keys (missing=%v unexpected=%v)",
			len(report.Missing), len(report.Unexpected), report.Missing, report.Unexpected)
	}

	// Check every shape before writing anything so a failed load leaves the
	// model untouched.
	for name, src := range stateDict {
		p, ok := byName[name]
		if !ok {
			continue
		}
		dst := p.Tensor()
		if dst.DType() != src.DType() || !dst.Shape().Equal(src.Shape()) {
			return report, fmt.Errorf("size mismatch for %s: checkpoint has %s%v, model has %s%v",
				name, src.DType(), src.Shape(), dst.DType(), dst.Shape())
		}
	}
	for name, src := range stateDict {
		if p, ok := byName[name]; ok {
			if err := p.Tensor().CopyFrom(src); err != nil {
				return report, fmt.Errorf("load %s: %w", name, err)
			}
		}
	}
	return report, nil
}
