// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train runs a multi-process training job with checkpoint resume.
//
// # Overview
//
// One process runs per rank. Every process joins the process group, seeds
// its random streams, builds the model, groups the parameters for AdamW,
// resumes from the newest checkpoint in the run directory and trains the
// remaining epochs. Rank 0 alone evaluates, writes checkpoints, rotates the
// previous one away and writes the final weights.
//
// # Collaborators
//
// The model, dataset, step executor and evaluator are supplied by the
// caller:
//
//	cfg, err := config.NewLoader().Load("run.yaml")
//	if err != nil {
//	    return err
//	}
//	res, err := train.Run(ctx, cfg, train.Collaborators{
//	    Model:     myBuilder,
//	    Dataset:   myData,
//	    Executor:  myExecutor,
//	    Evaluator: myEvaluator,
//	})
//
// # Errors
//
// Every failure is fatal and returned as a *StageError naming the stage,
// run and epoch. Restarting with the same run name resumes from the last
// checkpoint that was written completely.
package train
