package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffenet/internal/parallel"
	"github.com/born-ml/caffenet/internal/tensor"
)

func mustTensor(t *testing.T, shape tensor.Shape, data []float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat32(shape, data)
	require.NoError(t, err)
	return r
}

func TestElementwise(t *testing.T) {
	backend := New()
	a := mustTensor(t, tensor.Shape{1, 2, 1, 2}, []float32{1, 2, 3, 4})
	b := mustTensor(t, tensor.Shape{1, 2, 1, 2}, []float32{2, 2, 2, 8})

	assert.Equal(t, []float32{3, 4, 5, 12}, backend.Add(a, b).AsFloat32())
	assert.Equal(t, []float32{2, 4, 6, 32}, backend.Mul(a, b).AsFloat32())
	assert.Equal(t, []float32{0.5, 1, 1.5, 0.5}, backend.Div(a, b).AsFloat32())

	// Inputs are never written.
	assert.Equal(t, []float32{1, 2, 3, 4}, a.AsFloat32())
}

func TestElementwiseShapeMismatchPanics(t *testing.T) {
	backend := New()
	a := mustTensor(t, tensor.Shape{1, 4}, []float32{1, 2, 3, 4})
	b := mustTensor(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	assert.Panics(t, func() { backend.Add(a, b) })
}

func TestReLU(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{4}, []float32{-1, 0, 2, -3})
	assert.Equal(t, []float32{0, 0, 2, 0}, backend.ReLU(x).AsFloat32())
}

func TestSoftmax(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{2, 2}, []float32{0, float32(math.Log(3)), 5, 5})
	out := backend.Softmax(x, 1).AsFloat32()
	assert.InDelta(t, 0.25, out[0], 1e-6)
	assert.InDelta(t, 0.75, out[1], 1e-6)
	assert.InDelta(t, 0.5, out[2], 1e-6)
	assert.InDelta(t, 0.5, out[3], 1e-6)
}

func TestSoftmaxChannelsOf4D(t *testing.T) {
	backend := New()
	// [1, 2, 1, 2]: softmax over channel pairs (x[0,0,0,w], x[0,1,0,w]).
	x := mustTensor(t, tensor.Shape{1, 2, 1, 2}, []float32{1, 0, 1, 0})
	out := backend.Softmax(x, 1).AsFloat32()
	for _, v := range out {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
}

func TestLinear(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	w := mustTensor(t, tensor.Shape{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	b := mustTensor(t, tensor.Shape{3}, []float32{1, 1, 1})

	out := backend.Linear(x, w, b)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{2, 3, 4, 4, 5, 8}, out.AsFloat32())

	noBias := backend.Linear(x, w, nil)
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, noBias.AsFloat32())
}

func TestBatchNorm(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{1, 2, 1, 1}, []float32{4, 10})
	mean := mustTensor(t, tensor.Shape{2}, []float32{2, 4})
	variance := mustTensor(t, tensor.Shape{2}, []float32{4, 9})
	scale := mustTensor(t, tensor.Shape{2}, []float32{2, 3})
	shift := mustTensor(t, tensor.Shape{2}, []float32{1, 1})

	out := backend.BatchNorm(x, mean, variance, scale, shift, 0).AsFloat32()
	assert.InDelta(t, 3, out[0], 1e-6)
	assert.InDelta(t, 7, out[1], 1e-6)

	plain := backend.BatchNorm(x, mean, variance, nil, nil, 0).AsFloat32()
	assert.InDelta(t, 1, plain[0], 1e-6)
	assert.InDelta(t, 2, plain[1], 1e-6)
}

func TestSequentialConfigMatchesParallel(t *testing.T) {
	data := make([]float32, 2*4*6*6)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	kernel := make([]float32, 4*4*3*3)
	for i := range kernel {
		kernel[i] = float32(i%5) * 0.25
	}
	x := mustTensor(t, tensor.Shape{2, 4, 6, 6}, data)
	k := mustTensor(t, tensor.Shape{4, 4, 3, 3}, kernel)

	par := New().Conv2D(x, k, nil, 1, 1, 1)
	seq := New().WithParallel(parallel.Config{}).Conv2D(x, k, nil, 1, 1, 1)
	assert.True(t, par.BitEqual(seq))
}
