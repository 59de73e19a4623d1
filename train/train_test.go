// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package train_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/borntrain/train"
)

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := &train.Config{RunName: "x", NumEpochs: 1}
	_, err := train.New(cfg, train.Collaborators{})
	require.ErrorIs(t, err, train.ErrMissingCollaborator)

	_, err = train.New(cfg, train.Synthetic())
	require.NoError(t, err)
}

func TestRunReportsStage(t *testing.T) {
	cfg := &train.Config{
		RunName:     "facade",
		OutputDir:   t.TempDir(),
		NumEpochs:   1,
		BatchSize:   4,
		Device:      "cpu",
		DistBackend: "local",
		WorldSize:   2,
		LogLevel:    "error",
	}
	_, err := train.Run(context.Background(), cfg, train.Synthetic())
	var stageErr *train.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, train.StageInit, stageErr.Stage)
	assert.Equal(t, "facade", stageErr.Run)
	var initErr *train.DistributedInitError
	assert.ErrorAs(t, err, &initErr)
}
