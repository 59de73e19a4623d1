package checkpoint

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/born-ml/borntrain/internal/serialization"
	"github.com/born-ml/borntrain/internal/tensor"
)

// Section prefixes inside a checkpoint record.
const (
	SectionModel     = serialization.SectionModel
	SectionOptimizer = serialization.SectionOptimizer
	SectionScheduler = serialization.SectionScheduler
)

// TrainingState is the content of a checkpoint record. Epoch is the last
// completed epoch; -1 means nothing has been trained.
type TrainingState struct {
	Epoch     int
	Model     map[string]*tensor.RawTensor
	Optimizer map[string]*tensor.RawTensor
	Scheduler map[string]*tensor.RawTensor
}

// FreshEpoch is the Epoch of a run that has not completed any epoch.
const FreshEpoch = -1

func encodeRecord(w *bufio.Writer, runName string, state TrainingState) error {
	flat := make(map[string]*tensor.RawTensor, len(state.Model)+len(state.Optimizer)+len(state.Scheduler))
	for prefix, section := range map[string]map[string]*tensor.RawTensor{
		SectionModel:     state.Model,
		SectionOptimizer: state.Optimizer,
		SectionScheduler: state.Scheduler,
	} {
		for name, raw := range section {
			flat[prefix+name] = raw
		}
	}
	return serialization.WriteTo(w, flat, serialization.Header{
		Kind: serialization.KindCheckpoint,
		CheckpointMeta: &serialization.CheckpointMeta{
			Epoch:        state.Epoch,
			RunName:      runName,
			HasOptimizer: len(state.Optimizer) > 0,
			HasScheduler: len(state.Scheduler) > 0,
		},
	})
}

// ReadRecord decodes and verifies a checkpoint record.
func ReadRecord(path string) (TrainingState, serialization.Header, error) {
	flat, header, err := serialization.ReadFile(path, serialization.ReaderOptions{})
	if err != nil {
		return TrainingState{}, header, err
	}
	if header.Kind != serialization.KindCheckpoint {
		return TrainingState{}, header, fmt.Errorf("%w: kind %q", ErrNotCheckpoint, header.Kind)
	}

	state := TrainingState{
		Epoch:     header.CheckpointMeta.Epoch,
		Model:     make(map[string]*tensor.RawTensor),
		Optimizer: make(map[string]*tensor.RawTensor),
		Scheduler: make(map[string]*tensor.RawTensor),
	}
	sections := map[string]map[string]*tensor.RawTensor{
		SectionModel:     state.Model,
		SectionOptimizer: state.Optimizer,
		SectionScheduler: state.Scheduler,
	}
	// ReadFile has already checked that every name carries a section.
	for name, raw := range flat {
		section, _ := serialization.SectionOf(name)
		sections[section][strings.TrimPrefix(name, section)] = raw
	}
	return state, header, nil
}

// ReadFinalWeights decodes a final-weights artifact.
func ReadFinalWeights(path string) (map[string]*tensor.RawTensor, error) {
	weights, header, err := serialization.ReadFile(path, serialization.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	if header.Kind != serialization.KindFinalWeights {
		return nil, fmt.Errorf("%s: kind %q is not %q", path, header.Kind, serialization.KindFinalWeights)
	}
	return weights, nil
}
