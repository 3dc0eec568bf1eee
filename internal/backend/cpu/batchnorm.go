package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/caffenet/internal/tensor"
)

// BatchNorm applies inference-time batch normalization over dim 1 of x
// ([N, C] or [N, C, H, W]):
//
//	y = (x - mean[c]) / sqrt(variance[c] + eps) * scale[c] + shift[c]
//
// scale and shift are optional; nil means 1 and 0 respectively.
func (cpu *CPUBackend) BatchNorm(x, mean, variance, scale, shift *tensor.RawTensor, eps float32) *tensor.RawTensor {
	requireFloat32("batchnorm", x, mean, variance, scale, shift)
	shape := x.Shape()
	if len(shape) < 2 {
		exceptions.Panicf("batchnorm: input must have at least 2 dims [N,C,...], got %s", shape)
	}
	N, C := shape[0], shape[1]
	for name, p := range map[string]*tensor.RawTensor{"mean": mean, "variance": variance, "scale": scale, "shift": shift} {
		if p != nil && p.NumElements() != C {
			exceptions.Panicf("batchnorm: %s has %d elements, want %d channels", name, p.NumElements(), C)
		}
	}

	// Fold everything into y = x*a[c] + b[c].
	a := make([]float32, C)
	b := make([]float32, C)
	m, v := mean.AsFloat32(), variance.AsFloat32()
	for c := 0; c < C; c++ {
		gamma, beta := float32(1), float32(0)
		if scale != nil {
			gamma = scale.AsFloat32()[c]
		}
		if shift != nil {
			beta = shift.AsFloat32()[c]
		}
		a[c] = gamma / float32(math.Sqrt(float64(v[c]+eps)))
		b[c] = beta - m[c]*a[c]
	}

	plane := x.NumElements() / (N * C)
	output := cpu.alloc("batchnorm", shape)
	src, dst := x.AsFloat32(), output.AsFloat32()
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			off := (n*C + c) * plane
			for i := off; i < off+plane; i++ {
				dst[i] = src[i]*a[c] + b[c]
			}
		}
	}
	return output
}
