package serialization

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/borntrain/internal/tensor"
)

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w, err := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := tensor.FromFloat32(tensor.Shape{3}, []float32{5, 6, 7})
	require.NoError(t, err)
	step, err := tensor.NewRaw(tensor.Shape{1}, tensor.Int64)
	require.NoError(t, err)
	step.AsInt64()[0] = 42
	return map[string]*tensor.RawTensor{
		"model.layer.weight":  w,
		"model.layer.bias":    b,
		"scheduler.last_step": step,
	}
}

func recordHeader() Header {
	return Header{
		Kind:           KindCheckpoint,
		CheckpointMeta: &CheckpointMeta{Epoch: 0, RunName: "run", HasScheduler: true},
	}
}

func TestRoundTrip(t *testing.T) {
	sd := testStateDict(t)

	var buf bytes.Buffer
	err := WriteTo(&buf, sd, Header{
		Kind:           KindCheckpoint,
		Metadata:       map[string]string{"note": "x"},
		CheckpointMeta: &CheckpointMeta{Epoch: 7, RunName: "run", HasScheduler: true},
	})
	require.NoError(t, err)

	got, header, err := ReadFrom(&buf, ReaderOptions{})
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, header.FormatVersion)
	assert.Equal(t, KindCheckpoint, header.Kind)
	require.NotNil(t, header.CheckpointMeta)
	assert.Equal(t, 7, header.CheckpointMeta.Epoch)
	assert.Equal(t, "x", header.Metadata["note"])

	require.Len(t, got, 3)
	assert.Equal(t, []float32{1, 2, 3, 4}, got["model.layer.weight"].AsFloat32())
	assert.Equal(t, tensor.Shape{2, 2}, got["model.layer.weight"].Shape())
	assert.Equal(t, []float32{5, 6, 7}, got["model.layer.bias"].AsFloat32())
	assert.Equal(t, []int64{42}, got["scheduler.last_step"].AsInt64())
}

func TestWriteTo_Deterministic(t *testing.T) {
	sd := testStateDict(t)
	header := Header{Kind: KindFinalWeights}
	header.CreatedAt = header.CreatedAt.AddDate(2025, 0, 0)

	var a, b bytes.Buffer
	require.NoError(t, WriteTo(&a, sd, header))
	require.NoError(t, WriteTo(&b, sd, header))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestReadFrom_DetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, testStateDict(t), recordHeader()))

	data := buf.Bytes()
	data[len(data)-1] ^= 0xFF

	_, _, err := ReadFrom(bytes.NewReader(data), ReaderOptions{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, _, err = ReadFrom(bytes.NewReader(data), ReaderOptions{SkipChecksumValidation: true})
	assert.NoError(t, err)
}

func TestReadFrom_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, testStateDict(t), recordHeader()))

	data := buf.Bytes()[:buf.Len()-5]
	_, _, err := ReadFrom(bytes.NewReader(data), ReaderOptions{})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrom_InvalidMagic(t *testing.T) {
	data := make([]byte, FixedHeaderSize)
	copy(data, "NOPE")
	_, _, err := ReadFrom(bytes.NewReader(data), ReaderOptions{})
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.pt")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteTo(f, testStateDict(t), Header{Kind: KindFinalWeights}))
	require.NoError(t, f.Close())

	sd, header, err := ReadFile(path, ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindFinalWeights, header.Kind)
	assert.Nil(t, header.CheckpointMeta)
	assert.Len(t, sd, 3)

	_, _, err = ReadFile(filepath.Join(t.TempDir(), "missing.pt"), ReaderOptions{})
	assert.Error(t, err)
}

func TestWriteTo_RejectsBadNames(t *testing.T) {
	raw, err := tensor.FromFloat32(tensor.Shape{1}, []float32{1})
	require.NoError(t, err)

	for _, name := range []string{"", "nul\x00", "with space", "tab\tname"} {
		var buf bytes.Buffer
		err := WriteTo(&buf, map[string]*tensor.RawTensor{name: raw}, Header{Kind: KindFinalWeights})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "name %q", name)
		assert.Equal(t, "invalid_name", verr.Type)
		assert.Zero(t, buf.Len(), "nothing written for %q", name)
	}
}

func TestWriteTo_RefusesMalformedRecord(t *testing.T) {
	sd := testStateDict(t)
	header := recordHeader()
	header.CheckpointMeta.HasOptimizer = true

	var buf bytes.Buffer
	err := WriteTo(&buf, sd, header)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Zero(t, buf.Len())
}

func TestSectionOf(t *testing.T) {
	tests := []struct {
		name    string
		section string
		ok      bool
	}{
		{"model.perceiver.latents", SectionModel, true},
		{"optimizer.step", SectionOptimizer, true},
		{"scheduler.last_step", SectionScheduler, true},
		{"model.", "", false},
		{"perceiver.latents", "", false},
		{"models.x", "", false},
	}
	for _, tt := range tests {
		section, ok := SectionOf(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.section, section, tt.name)
	}
}

func TestValidateHeader_Records(t *testing.T) {
	meta := func(hasOpt, hasSched bool) *CheckpointMeta {
		return &CheckpointMeta{Epoch: 3, RunName: "run", HasOptimizer: hasOpt, HasScheduler: hasSched}
	}
	tensors := func(names ...string) []TensorMeta {
		out := make([]TensorMeta, len(names))
		for i, n := range names {
			out[i] = TensorMeta{Name: n, DType: "float32", Shape: []int{1}, Offset: int64(4 * i), Size: 4}
		}
		return out
	}

	tests := []struct {
		name    string
		header  Header
		errType string
	}{
		{
			name: "full record",
			header: Header{Kind: KindCheckpoint, CheckpointMeta: meta(true, true),
				Tensors: tensors("model.w", "optimizer.step", "scheduler.last_step")},
		},
		{
			name:   "model-only record",
			header: Header{Kind: KindCheckpoint, CheckpointMeta: meta(false, false), Tensors: tensors("model.w")},
		},
		{
			name:   "final weights",
			header: Header{Kind: KindFinalWeights, Tensors: tensors("perceiver.latents")},
		},
		{
			name:    "record without metadata",
			header:  Header{Kind: KindCheckpoint, Tensors: tensors("model.w")},
			errType: "kind_mismatch",
		},
		{
			name:    "final weights with record metadata",
			header:  Header{Kind: KindFinalWeights, CheckpointMeta: meta(false, false), Tensors: tensors("w")},
			errType: "kind_mismatch",
		},
		{
			name:    "unknown kind",
			header:  Header{Kind: "lora", Tensors: tensors("w")},
			errType: "unknown_kind",
		},
		{
			name:    "negative epoch",
			header:  Header{Kind: KindCheckpoint, CheckpointMeta: &CheckpointMeta{Epoch: -1}, Tensors: tensors("model.w")},
			errType: "invalid_epoch",
		},
		{
			name:    "name outside sections",
			header:  Header{Kind: KindCheckpoint, CheckpointMeta: meta(false, false), Tensors: tensors("model.w", "lang.w")},
			errType: "no_section",
		},
		{
			name:    "no model weights",
			header:  Header{Kind: KindCheckpoint, CheckpointMeta: meta(true, false), Tensors: tensors("optimizer.step")},
			errType: "missing_section",
		},
		{
			name:    "optimizer flag without tensors",
			header:  Header{Kind: KindCheckpoint, CheckpointMeta: meta(true, false), Tensors: tensors("model.w")},
			errType: "section_mismatch",
		},
		{
			name:    "scheduler tensors without flag",
			header:  Header{Kind: KindCheckpoint, CheckpointMeta: meta(false, false), Tensors: tensors("model.w", "scheduler.last_step")},
			errType: "section_mismatch",
		},
		{
			name:    "duplicate name",
			header:  Header{Kind: KindFinalWeights, Tensors: tensors("w", "w")},
			errType: "duplicate_name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeader(&tt.header, int64(4*len(tt.header.Tensors)), ValidationStrict)
			if tt.errType == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.errType, verr.Type)
		})
	}

	bad := Header{Kind: KindCheckpoint, Tensors: tensors("model.w")}
	assert.ErrorIs(t, ValidateHeader(&bad, 4, ValidationNormal), ErrMalformedRecord)
	assert.NoError(t, ValidateHeader(&bad, 4, ValidationNone))
}

func TestValidateLayout(t *testing.T) {
	overlap := []TensorMeta{
		{Name: "a", Offset: 0, Size: 16},
		{Name: "b", Offset: 8, Size: 16},
	}
	assert.ErrorIs(t, ValidateLayout(overlap, 24), ErrOffsetOverlap)

	oob := []TensorMeta{{Name: "a", Offset: 0, Size: 128}}
	assert.ErrorIs(t, ValidateLayout(oob, 64), ErrOutOfBounds)

	gap := []TensorMeta{
		{Name: "a", Offset: 0, Size: 16},
		{Name: "b", Offset: 32, Size: 16},
	}
	assert.ErrorIs(t, ValidateLayout(gap, 48), ErrOffsetGap)

	trailing := []TensorMeta{{Name: "a", Offset: 0, Size: 16}}
	assert.ErrorIs(t, ValidateLayout(trailing, 32), ErrOffsetGap)

	var verr *ValidationError
	require.ErrorAs(t, ValidateLayout([]TensorMeta{{Name: "a", Offset: -4, Size: 4}}, 0), &verr)
	assert.Equal(t, "negative_offset", verr.Type)

	ok := []TensorMeta{
		{Name: "b", Offset: 16, Size: 16},
		{Name: "a", Offset: 0, Size: 16},
	}
	assert.NoError(t, ValidateLayout(ok, 32))
	assert.NoError(t, ValidateLayout(nil, 0))
}
