// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/caffenet/internal/backend/cpu"
	"github.com/born-ml/caffenet/internal/parallel"
	"github.com/born-ml/caffenet/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new CPU backend that spreads convolution and pooling planes
// over all CPUs.
//
// Example:
//
//	backend := cpu.New()
//	model, report, err := caffe.Load("net.prototxt", "net.caffemodel", backend)
func New() *Backend {
	return internalcpu.New()
}

// NewSequential creates a CPU backend that runs every kernel on the calling
// goroutine. Use it when the caller already runs forward passes in parallel.
func NewSequential() *Backend {
	return internalcpu.New().WithParallel(parallel.Config{})
}
