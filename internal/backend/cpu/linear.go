package cpu

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/caffenet/internal/tensor"
)

// Linear computes y = x @ weight^T + bias.
//
// x: [N, in], weight: [out, in] (Caffe InnerProduct layout), bias: [out] or nil.
// Output: [N, out].
func (cpu *CPUBackend) Linear(x, weight, bias *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("linear", x, weight, bias)
	xs, ws := x.Shape(), weight.Shape()
	if len(xs) != 2 {
		exceptions.Panicf("linear: input must be 2D [N,in], got %s", xs)
	}
	if len(ws) != 2 {
		exceptions.Panicf("linear: weight must be 2D [out,in], got %s", ws)
	}
	N, in, out := xs[0], xs[1], ws[0]
	if ws[1] != in {
		exceptions.Panicf("linear: input features %d != weight features %d", in, ws[1])
	}
	if bias != nil && bias.NumElements() != out {
		exceptions.Panicf("linear: bias has %d elements, want %d", bias.NumElements(), out)
	}

	output := cpu.alloc("linear", tensor.Shape{N, out})
	dst := output.AsFloat32()
	if bias != nil {
		bv := bias.AsFloat32()
		for n := 0; n < N; n++ {
			copy(dst[n*out:(n+1)*out], bv)
		}
	}

	a := blas32.General{Rows: N, Cols: in, Stride: in, Data: x.AsFloat32()}
	w := blas32.General{Rows: out, Cols: in, Stride: in, Data: weight.AsFloat32()}
	c := blas32.General{Rows: N, Cols: out, Stride: out, Data: dst}
	beta := float32(0)
	if bias != nil {
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, w, beta, c)
	return output
}
