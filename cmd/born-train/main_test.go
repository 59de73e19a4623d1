package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestTrainRejectsBadConfig(t *testing.T) {
	for _, name := range []string{"RANK", "WORLD_SIZE", "LOCAL_RANK"} {
		t.Setenv(name, "")
	}
	_, err := execute(t, "train", "--num-epochs", "0", "--precision", "fp8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num-epochs")
	assert.Contains(t, err.Error(), "precision")
}

func TestTrainThenInspect(t *testing.T) {
	for _, name := range []string{"RANK", "WORLD_SIZE", "LOCAL_RANK", "MASTER_ADDR", "MASTER_PORT"} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	cache := t.TempDir()
	// Offline with an empty cache directory fails tokenizer resolution, so
	// seed a tiny merge table.
	var bpe bytes.Buffer
	for b := range 256 {
		fmt.Fprintf(&bpe, "%s %d\n", base64.StdEncoding.EncodeToString([]byte{byte(b)}), b)
	}
	require.NoError(t, os.WriteFile(filepath.Join(cache, "r50k_base.tiktoken"), bpe.Bytes(), 0o644))

	out, err := execute(t, "train",
		"--output-dir", dir,
		"--run-name", "cli",
		"--num-epochs", "2",
		"--batch-size", "16",
		"--train-num-samples", "32",
		"--warmup-steps", "2",
		"--dist-backend", "local",
		"--offline",
		"--tokenizer-cache-dir", cache,
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "finished at epoch 1")
	assert.FileExists(t, filepath.Join(dir, "cli", "final_weights.pt"))

	out, err = execute(t, "inspect", filepath.Join(dir, "cli", "checkpoint_1.pt"))
	require.NoError(t, err)
	assert.Contains(t, out, "epoch:   1 (resumes at 2)")
	assert.Contains(t, out, "perceiver.latents")
	assert.Contains(t, out, "last_step")
}
