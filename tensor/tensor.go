// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/borntrain/internal/tensor"

// RawTensor is a host-resident tensor as stored in state dictionaries.
type RawTensor = tensor.RawTensor

// Shape is a tensor shape.
type Shape = tensor.Shape

// DataType is an element type.
type DataType = tensor.DataType

// Device is a compute device kind.
type Device = tensor.Device

// Element types.
const (
	Float32 = tensor.Float32
	Int64   = tensor.Int64
)

// Devices.
const (
	CPU  = tensor.CPU
	CUDA = tensor.CUDA
)

// NewRaw allocates a zeroed tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// FromFloat32 builds a float32 tensor from values.
func FromFloat32(shape Shape, values []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, values)
}

// ParseDevice converts a device name to a Device.
func ParseDevice(s string) (Device, error) {
	return tensor.ParseDevice(s)
}
