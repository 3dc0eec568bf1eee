// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/caffenet/internal/tensor"
)

// RawTensor is a dense float32 tensor: a byte buffer plus a shape.
//
// Example:
//
//	x, _ := tensor.FromFloat32(tensor.Shape{1, 3, 2, 2}, data)
//	fmt.Println(x.Shape(), x.AsFloat32()[0])
type RawTensor = tensor.RawTensor

// Shape is the list of dimensions of a tensor, outermost first.
type Shape = tensor.Shape

// DataType is the element type of a tensor.
type DataType = tensor.DataType

// Device identifies where a tensor's memory lives.
type Device = tensor.Device

// Element types and devices.
const (
	Float32 = tensor.Float32
	CPU     = tensor.CPU
)

// Backend is the set of kernels a compiled Caffe graph runs on.
//
// Implementations:
//   - backend/cpu: pure Go, matrix products through gonum BLAS
type Backend = tensor.Backend

// PoolMethod selects max or average pooling.
type PoolMethod = tensor.PoolMethod

// Pooling reductions.
const (
	PoolMax     = tensor.PoolMax
	PoolAverage = tensor.PoolAverage
)

// FromFloat32 creates a tensor holding a copy of data.
func FromFloat32(shape Shape, data []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, data)
}

// Full creates a tensor with every element set to value.
func Full(shape Shape, value float32) (*RawTensor, error) {
	return tensor.Full(shape, value)
}
