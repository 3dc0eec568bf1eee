package caffe

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffenet/internal/caffemodel"
	"github.com/born-ml/caffenet/internal/tensor"
)

func slotValues(t *testing.T, s *Slot) []float32 {
	t.Helper()
	v, ok := s.Tensor()
	require.True(t, ok)
	return v.AsFloat32()
}

func TestBindConvolutionWithoutBias(t *testing.T) {
	g := buildNet(t, tinyNet)
	report := g.Bind(tinyWeightsB())
	assert.Equal(t, []string{"conv", "bn", "fc"}, report.Bound)

	// conv declares bias_term, so the missing blob is reported but the node
	// still binds bias-free.
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "conv", report.Issues[0].Layer)
	assert.Contains(t, report.Issues[0].Error(), "no bias blob")
	assert.ErrorIs(t, report.Err(), ErrBindMismatch)

	conv, _ := g.Node("conv")
	assert.True(t, conv.Weight.Bound())
	assert.False(t, conv.Bias.Bound())
	bias, ok := conv.Bias.Tensor()
	assert.False(t, ok)
	assert.Nil(t, bias)
	assert.True(t, conv.Bound())
}

func TestBindIgnoresBiasWithoutBiasTerm(t *testing.T) {
	g := buildNet(t, `
input_dim: 1
input_dim: 3
input_dim: 1
input_dim: 1
layer { name: "fc" type: "InnerProduct" bottom: "data" top: "fc" inner_product_param { num_output: 1 bias_term: false } }`)
	report := g.Bind([]WeightRecord{{Name: "fc", Blobs: []WeightBlob{
		{Data: []float32{1, 2, 3}}, {Data: []float32{100}},
	}}})
	assert.Equal(t, []string{"fc"}, report.Bound)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "fc", report.Issues[0].Layer)
	assert.Contains(t, report.Issues[0].Error(), "bias blob ignored")

	fc, _ := g.Node("fc")
	assert.True(t, fc.Bound())
	assert.False(t, fc.Bias.Bound())

	out, err := g.Forward(must.M1(tensor.FromFloat32(tensor.Shape{1, 3, 1, 1}, []float32{1, 1, 1})))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{6}, out.AsFloat32(), 1e-6)
}

func TestBindBatchNormScale(t *testing.T) {
	g := buildNet(t, tinyNet)
	require.True(t, g.Bind(tinyWeightsA()).OK())

	bn, _ := g.Node("bn")
	assert.Equal(t, []float32{0, 1}, slotValues(t, &bn.Mean))
	assert.Equal(t, []float32{1, 4}, slotValues(t, &bn.Variance))
	assert.Equal(t, []float32{1, 1}, slotValues(t, &bn.Gamma))
	assert.Equal(t, []float32{0, 0}, slotValues(t, &bn.Beta))
}

func TestBindBatchNormZeroFactor(t *testing.T) {
	g := buildNet(t, tinyNet)
	records := tinyWeightsA()
	records[1].Blobs[2].Data = []float32{0}
	require.True(t, g.Bind(records).OK())

	bn, _ := g.Node("bn")
	assert.Equal(t, []float32{0, 0}, slotValues(t, &bn.Mean))
	assert.Equal(t, []float32{0, 0}, slotValues(t, &bn.Variance))
}

func TestBindScaleWithoutBias(t *testing.T) {
	g := buildNet(t, tinyNet)
	records := tinyWeightsA()
	records[2].Blobs = records[2].Blobs[:1]
	require.True(t, g.Bind(records).OK())

	bn, _ := g.Node("bn")
	assert.True(t, bn.Bound())
	assert.False(t, bn.Beta.Bound())
}

func TestBindIssues(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func([]WeightRecord) []WeightRecord
		unbound  string
		contains string
	}{
		{
			name:     "missing record",
			mutate:   func(r []WeightRecord) []WeightRecord { return r[1:] },
			unbound:  "conv",
			contains: "no weights",
		},
		{
			name: "wrong element count",
			mutate: func(r []WeightRecord) []WeightRecord {
				r[3].Blobs[0].Data = fill(15, 1)
				return r
			},
			unbound:  "fc",
			contains: "weight has 15 values, want 16",
		},
		{
			name: "wrong bias count leaves weight unbound too",
			mutate: func(r []WeightRecord) []WeightRecord {
				r[0].Blobs[1].Data = []float32{1, 2, 3}
				return r
			},
			unbound:  "conv",
			contains: "bias has 3 values",
		},
		{
			name: "too few BatchNorm blobs",
			mutate: func(r []WeightRecord) []WeightRecord {
				r[1].Blobs = r[1].Blobs[:2]
				return r
			},
			unbound:  "bn",
			contains: "want 3",
		},
		{
			name: "missing Scale record",
			mutate: func(r []WeightRecord) []WeightRecord {
				return append(r[:2], r[3])
			},
			unbound:  "bn",
			contains: `Scale layer "scale"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildNet(t, tinyNet)
			report := g.Bind(tt.mutate(tinyWeightsA()))
			require.False(t, report.OK())
			require.Len(t, report.Issues, 1)
			assert.Equal(t, tt.unbound, report.Issues[0].Layer)
			assert.Contains(t, report.Issues[0].Error(), tt.contains)
			assert.ErrorIs(t, report.Issues[0], ErrBindMismatch)
			assert.ErrorIs(t, report.Err(), ErrBindMismatch)

			n, _ := g.Node(tt.unbound)
			assert.False(t, n.Bound())
			for _, s := range n.slots() {
				assert.False(t, s.Bound(), "no partially bound slots")
			}
			assert.NotContains(t, report.Bound, tt.unbound)
		})
	}
}

func TestBindUnmatchedRecords(t *testing.T) {
	g := buildNet(t, tinyNet)
	records := append(tinyWeightsA(),
		WeightRecord{Name: "relu", Type: "ReLU"},
		WeightRecord{Name: "conv9", Type: "Convolution", Blobs: []WeightBlob{{Data: []float32{1}}}},
	)
	report := g.Bind(records)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "conv9", report.Issues[0].Layer)
	assert.Len(t, report.Bound, 3)
	assert.Nil(t, BindReport{}.Err())
}

func TestWeightsFromCaffemodel(t *testing.T) {
	blobs := []caffemodel.BlobProto{
		{Num: 2, Channels: 1, Height: 1, Width: 1, Data: []float32{1, -1}},
		{Shape: []int64{2}, DoubleData: []float64{0.5, 0.25}},
	}
	data := caffemodel.Marshal(&caffemodel.NetParameter{
		V1Layers: []caffemodel.LayerParameter{
			{Name: "conv", Type: "CONVOLUTION", Blobs: blobs},
			{Name: "relu", Type: "RELU"},
		},
	})
	net := must.M1(caffemodel.Parse(data))

	records := WeightsFromCaffemodel(net)
	require.Len(t, records, 2)
	assert.Equal(t, "Convolution", records[0].Type)
	assert.Equal(t, "ReLU", records[1].Type)
	assert.Equal(t, []int{2, 1, 1, 1}, records[0].Blobs[0].Shape)
	assert.Equal(t, []float32{0.5, 0.25}, records[0].Blobs[1].Data)

	g := buildNet(t, tinyNet)
	report := g.Bind(records)
	conv, _ := g.Node("conv")
	assert.Equal(t, []float32{1, -1}, slotValues(t, &conv.Weight))
	assert.Equal(t, []float32{0.5, 0.25}, slotValues(t, &conv.Bias))
	assert.Equal(t, []string{"conv"}, report.Bound)
	assert.Len(t, report.Issues, 2, "bn and fc have no weights")
}
