// Package cpu implements the CPU backend for compiled Caffe graphs, using
// gonum's BLAS for the matrix products behind convolution and inner product.
package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/caffenet/internal/parallel"
	"github.com/born-ml/caffenet/internal/tensor"
)

// CPUBackend implements tensor.Backend on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// Compile-time check that CPUBackend implements tensor.Backend.
var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    parallel.PlaneConfig(),
	}
}

// WithParallel returns a copy of the backend using cfg for plane-level fan-out.
// Passing parallel.Config{} makes every kernel run on the calling goroutine.
func (cpu *CPUBackend) WithParallel(cfg parallel.Config) *CPUBackend {
	cp := *cpu
	cp.par = cfg
	return &cp
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition of same-shaped tensors.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Mul performs element-wise multiplication of same-shaped tensors.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// Div performs element-wise division of same-shaped tensors.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, func(x, y float32) float32 { return x / y })
}

// binary applies op element-wise. Caffe's Eltwise never broadcasts, so
// mismatched shapes are rejected.
func (cpu *CPUBackend) binary(name string, a, b *tensor.RawTensor, op func(x, y float32) float32) *tensor.RawTensor {
	requireFloat32(name, a, b)
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("%s: shape mismatch %s vs %s", name, a.Shape(), b.Shape())
	}
	result := cpu.alloc(name, a.Shape())
	dst, x, y := result.AsFloat32(), a.AsFloat32(), b.AsFloat32()
	for i := range dst {
		dst[i] = op(x[i], y[i])
	}
	return result
}

// Reshape returns a view of t with a new shape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	view, err := t.View(newShape)
	if err != nil {
		exceptions.Panicf("reshape: %v", err)
	}
	return view
}

// alloc creates a zeroed float32 output tensor.
func (cpu *CPUBackend) alloc(op string, shape tensor.Shape) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, tensor.Float32, cpu.device)
	if err != nil {
		exceptions.Panicf("%s: failed to create output tensor: %v", op, err)
	}
	return out
}

// requireFloat32 panics unless every non-nil tensor is float32.
func requireFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t != nil && t.DType() != tensor.Float32 {
			exceptions.Panicf("%s: unsupported dtype %s (only float32 supported)", op, t.DType())
		}
	}
}
