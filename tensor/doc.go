// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the tensor type that compiled Caffe graphs consume
// and produce.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/caffenet/backend/cpu"
//	    "github.com/born-ml/caffenet/caffe"
//	    "github.com/born-ml/caffenet/tensor"
//	)
//
//	func main() {
//	    model, _, err := caffe.Load("lenet.prototxt", "lenet.caffemodel", cpu.New())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    x, _ := tensor.Full(tensor.Shape{1, 1, 28, 28}, 0)
//	    probs, err := model.Forward(x)
//	}
//
// Tensors are always float32 and laid out row-major; activations use Caffe's
// [N, C, H, W] order.
package tensor
