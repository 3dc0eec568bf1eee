package caffemodel

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseCurrentFormat(t *testing.T) {
	in := &NetParameter{
		Name: "tiny",
		Layers: []LayerParameter{
			{Name: "data", Type: "Input"},
			{
				Name: "conv1",
				Type: "Convolution",
				Blobs: []BlobProto{
					{Shape: []int64{2, 1, 3, 3}, Data: make([]float32, 18)},
					{Shape: []int64{2}, Data: []float32{0.5, -0.25}},
				},
			},
		},
	}

	out, err := Parse(Marshal(in))
	require.NoError(t, err)

	assert.Equal(t, "tiny", out.Name)
	require.Len(t, out.Layers, 2)
	assert.Empty(t, out.V1Layers)
	assert.Equal(t, "conv1", out.Layers[1].Name)
	assert.Equal(t, "Convolution", out.Layers[1].Type)
	require.Len(t, out.Layers[1].Blobs, 2)
	assert.Equal(t, []int{2, 1, 3, 3}, out.Layers[1].Blobs[0].Dims())
	assert.Equal(t, []float32{0.5, -0.25}, out.Layers[1].Blobs[1].Values())
	assert.Equal(t, out.Layers, out.AllLayers())
}

func TestParseV1Format(t *testing.T) {
	in := &NetParameter{
		V1Layers: []LayerParameter{
			{
				Name: "fc",
				Type: "INNER_PRODUCT",
				Blobs: []BlobProto{
					{Num: 1, Channels: 1, Height: 2, Width: 3, DoubleData: []float64{1, 2, 3, 4, 5, 6}},
				},
			},
		},
	}

	out, err := Parse(Marshal(in))
	require.NoError(t, err)

	layers := out.AllLayers()
	require.Len(t, layers, 1)
	assert.Equal(t, "INNER_PRODUCT", layers[0].Type)
	blob := layers[0].Blobs[0]
	assert.Equal(t, []int{1, 1, 2, 3}, blob.Dims())
	assert.Equal(t, 6, blob.Len())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, blob.Values())
}

func TestParseUnpackedFloats(t *testing.T) {
	// BlobProto with two unpacked `data` entries.
	var blob []byte
	for _, v := range []float32{1.5, -2} {
		blob = protowire.AppendTag(blob, blobData, protowire.Fixed32Type)
		blob = protowire.AppendFixed32(blob, math.Float32bits(v))
	}
	var layer []byte
	layer = protowire.AppendTag(layer, layerName, protowire.BytesType)
	layer = protowire.AppendString(layer, "scale")
	layer = protowire.AppendTag(layer, layerBlobs, protowire.BytesType)
	layer = protowire.AppendBytes(layer, blob)
	// Unknown field that must be skipped.
	layer = protowire.AppendTag(layer, 42, protowire.VarintType)
	layer = protowire.AppendVarint(layer, 7)
	var net []byte
	net = protowire.AppendTag(net, netLayers, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	out, err := Parse(net)
	require.NoError(t, err)
	require.Len(t, out.Layers, 1)
	assert.Equal(t, []float32{1.5, -2}, out.Layers[0].Blobs[0].Data)
	assert.Equal(t, []int{2}, out.Layers[0].Blobs[0].Dims())
}

func TestParseTruncated(t *testing.T) {
	data := Marshal(&NetParameter{
		Layers: []LayerParameter{{Name: "x", Type: "Scale", Blobs: []BlobProto{{Data: []float32{1, 2}}}}},
	})
	_, err := Parse(data[:len(data)-3])
	assert.Error(t, err)
}

func TestParseWrongWireType(t *testing.T) {
	var net []byte
	net = protowire.AppendTag(net, netLayers, protowire.VarintType)
	net = protowire.AppendVarint(net, 1)
	_, err := Parse(net)
	assert.Error(t, err)
}

func TestWriteAndParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.caffemodel")
	in := &NetParameter{Name: "n", Layers: []LayerParameter{{Name: "a", Type: "ReLU"}}}
	require.NoError(t, WriteFile(path, in))

	out, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "n", out.Name)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestV1TypeNames(t *testing.T) {
	assert.Equal(t, "CONVOLUTION", V1TypeName(4))
	assert.Equal(t, "", V1TypeName(999))
	v, ok := v1TypeValue("SOFTMAX")
	assert.True(t, ok)
	assert.Equal(t, int32(20), v)
}
