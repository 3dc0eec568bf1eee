// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go CPU backend for compiled Caffe graphs.
//
// # Overview
//
// This package implements the kernels of tensor.Backend with:
//   - Pure Go implementation (no CGO)
//   - Im2col convolutions, including grouped ones
//   - gonum BLAS for the matrix products of convolution and inner product
//   - Plane-level fan-out over goroutines for convolution and pooling
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/caffenet/backend/cpu"
//	    "github.com/born-ml/caffenet/caffe"
//	)
//
//	func main() {
//	    model, _, err := caffe.Load("net.prototxt", "net.caffemodel", cpu.New())
//	}
package cpu
