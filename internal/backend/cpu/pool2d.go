package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/caffenet/internal/parallel"
	"github.com/born-ml/caffenet/internal/tensor"
)

// Pool2D performs 2D max or average pooling without padding.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
//	out_height = (height - kernelSize) / stride + 1
//	out_width  = (width - kernelSize) / stride + 1
//
// Partial windows at the bottom/right edge are dropped.
func (cpu *CPUBackend) Pool2D(input *tensor.RawTensor, method tensor.PoolMethod, kernelSize, stride int) *tensor.RawTensor {
	requireFloat32("pool2d", input)
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		exceptions.Panicf("pool2d: expected 4D input [N,C,H,W], got %dD", len(inputShape))
	}

	N, C, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]

	if kernelSize <= 0 {
		exceptions.Panicf("pool2d: invalid kernel size %d", kernelSize)
	}
	if stride <= 0 {
		exceptions.Panicf("pool2d: invalid stride %d", stride)
	}
	if kernelSize > H || kernelSize > W {
		exceptions.Panicf("pool2d: kernel size %d too large for input %dx%d", kernelSize, H, W)
	}

	HOut := (H-kernelSize)/stride + 1
	WOut := (W-kernelSize)/stride + 1

	output := cpu.alloc("pool2d", tensor.Shape{N, C, HOut, WOut})
	src, dst := input.AsFloat32(), output.AsFloat32()

	var reduce func(plane []float32, hStart, wStart int) float32
	switch method {
	case tensor.PoolMax:
		reduce = func(plane []float32, hStart, wStart int) float32 {
			maxVal := float32(math.Inf(-1))
			for kh := 0; kh < kernelSize; kh++ {
				row := plane[(hStart+kh)*W+wStart:]
				for kw := 0; kw < kernelSize; kw++ {
					if row[kw] > maxVal {
						maxVal = row[kw]
					}
				}
			}
			return maxVal
		}
	case tensor.PoolAverage:
		area := float32(kernelSize * kernelSize)
		reduce = func(plane []float32, hStart, wStart int) float32 {
			var sum float32
			for kh := 0; kh < kernelSize; kh++ {
				row := plane[(hStart+kh)*W+wStart:]
				for kw := 0; kw < kernelSize; kw++ {
					sum += row[kw]
				}
			}
			return sum / area
		}
	default:
		exceptions.Panicf("pool2d: unsupported method %s", method)
	}

	parallel.ForBatch(N, C, func(n, c int) {
		plane := src[(n*C+c)*H*W : (n*C+c+1)*H*W]
		out := dst[(n*C+c)*HOut*WOut:]
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				out[oh*WOut+ow] = reduce(plane, oh*stride, ow*stride)
			}
		}
	}, cpu.par)

	return output
}
