package caffe

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffenet/internal/backend/cpu"
	"github.com/born-ml/caffenet/internal/prototxt"
	"github.com/born-ml/caffenet/internal/tensor"
)

// tinyNet is conv -> BatchNorm+Scale -> ReLU -> InnerProduct -> Softmax on a
// 1x2x2 input.
const tinyNet = `
name: "tiny"
input: "data"
input_dim: 1
input_dim: 1
input_dim: 2
input_dim: 2
layer {
  name: "conv"
  type: "Convolution"
  bottom: "data"
  top: "conv"
  convolution_param { num_output: 2 kernel_size: 1 }
}
layer {
  name: "bn"
  type: "BatchNorm"
  bottom: "conv"
  top: "conv"
  batch_norm_param { eps: 0 }
}
layer {
  name: "scale"
  type: "Scale"
  bottom: "conv"
  top: "conv"
  scale_param { bias_term: true }
}
layer { name: "relu" type: "ReLU" bottom: "conv" top: "conv" }
layer {
  name: "fc"
  type: "InnerProduct"
  bottom: "conv"
  top: "fc"
  inner_product_param { num_output: 2 }
}
layer { name: "prob" type: "Softmax" bottom: "fc" top: "prob" }
`

func parseDef(t *testing.T, src string) *NetDef {
	t.Helper()
	msg := must.M1(prototxt.Parse(src))
	def, err := NetDefFromPrototxt(msg)
	require.NoError(t, err)
	return def
}

func buildNet(t *testing.T, src string, opts ...BuildOptions) *Graph {
	t.Helper()
	g, err := Build(parseDef(t, src), cpu.New(), opts...)
	require.NoError(t, err)
	return g
}

func fill(n int, v float32) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = v
	}
	return res
}

func concat(parts ...[]float32) []float32 {
	var res []float32
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

// tinyWeightsA gives conv channels x and -x, normalizes the second channel
// to (x-1)/2 and sums the first channel in fc.
func tinyWeightsA() []WeightRecord {
	return []WeightRecord{
		{Name: "conv", Type: "Convolution", Blobs: []WeightBlob{{Data: []float32{1, -1}}, {Data: []float32{0, 0}}}},
		{Name: "bn", Type: "BatchNorm", Blobs: []WeightBlob{
			{Data: []float32{0, 2}}, {Data: []float32{2, 8}}, {Data: []float32{2}},
		}},
		{Name: "scale", Type: "Scale", Blobs: []WeightBlob{{Data: []float32{1, 1}}, {Data: []float32{0, 0}}}},
		{Name: "fc", Type: "InnerProduct", Blobs: []WeightBlob{
			{Data: concat(fill(8, 1), fill(8, 0))}, {Data: []float32{0, 0}},
		}},
	}
}

// tinyWeightsB has a bias-free conv doubling the input and an identity
// normalization.
func tinyWeightsB() []WeightRecord {
	return []WeightRecord{
		{Name: "conv", Type: "Convolution", Blobs: []WeightBlob{{Data: []float32{2, 0}}}},
		{Name: "bn", Type: "BatchNorm", Blobs: []WeightBlob{
			{Data: []float32{0, 0}}, {Data: []float32{1, 1}}, {Data: []float32{1}},
		}},
		{Name: "scale", Type: "Scale", Blobs: []WeightBlob{{Data: []float32{1, 1}}, {Data: []float32{0, 0}}}},
		{Name: "fc", Type: "InnerProduct", Blobs: []WeightBlob{
			{Data: concat(fill(8, 1), fill(4, 0.5), fill(4, 0))}, {Data: []float32{0, 1}},
		}},
	}
}

func tinyInput(t *testing.T) *tensor.RawTensor {
	t.Helper()
	return must.M1(tensor.FromFloat32(tensor.Shape{1, 1, 2, 2}, []float32{1, 2, 3, 4}))
}
