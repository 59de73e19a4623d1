// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn describes a model the way the training orchestrator sees it:
// named parameters, a state dictionary, a train/eval switch, and the
// weight-decay grouping used to build optimizer parameter groups.
//
// # Parameter groups
//
// Only parameters inside gated cross-attention blocks are decayed; their
// gates, normalization parameters and biases are exempt:
//
//	groups := nn.GroupParameters(nn.Trainable(model.Parameters()), 0.1)
//	// groups[0]: decay, groups[1]: no decay
//
// DecayEligible exposes the classification on its own.
package nn
