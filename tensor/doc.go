// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the opaque tensors that flow between a model, its
// optimizer and checkpoint files.
//
// The training orchestrator never computes on tensors. A RawTensor is a
// contiguous little-endian buffer with a shape and an element type, enough
// to copy weights in and out of state dictionaries:
//
//	w, err := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
//	if err != nil {
//	    return err
//	}
//	values := w.AsFloat32()
package tensor
