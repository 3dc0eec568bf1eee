package caffemodel

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes net as a caffe.NetParameter. Only the fields this
// package decodes are written, so Parse(Marshal(n)) reproduces n.
func Marshal(net *NetParameter) []byte {
	var b []byte
	if net.Name != "" {
		b = protowire.AppendTag(b, netName, protowire.BytesType)
		b = protowire.AppendString(b, net.Name)
	}
	for i := range net.V1Layers {
		b = protowire.AppendTag(b, netV1Layers, protowire.BytesType)
		b = protowire.AppendBytes(b, appendV1Layer(nil, &net.V1Layers[i]))
	}
	for i := range net.Layers {
		b = protowire.AppendTag(b, netLayers, protowire.BytesType)
		b = protowire.AppendBytes(b, appendLayer(nil, &net.Layers[i]))
	}
	return b
}

// WriteFile serializes net to path.
func WriteFile(path string, net *NetParameter) error {
	if err := os.WriteFile(path, Marshal(net), 0o600); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

func appendLayer(b []byte, layer *LayerParameter) []byte {
	b = protowire.AppendTag(b, layerName, protowire.BytesType)
	b = protowire.AppendString(b, layer.Name)
	b = protowire.AppendTag(b, layerType, protowire.BytesType)
	b = protowire.AppendString(b, layer.Type)
	for i := range layer.Blobs {
		b = protowire.AppendTag(b, layerBlobs, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBlob(nil, &layer.Blobs[i]))
	}
	return b
}

func appendV1Layer(b []byte, layer *LayerParameter) []byte {
	b = protowire.AppendTag(b, v1LayerName, protowire.BytesType)
	b = protowire.AppendString(b, layer.Name)
	if v, ok := v1TypeValue(layer.Type); ok {
		b = protowire.AppendTag(b, v1LayerType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	for i := range layer.Blobs {
		b = protowire.AppendTag(b, v1LayerBlobs, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBlob(nil, &layer.Blobs[i]))
	}
	return b
}

func appendBlob(b []byte, blob *BlobProto) []byte {
	for _, f := range []struct {
		num protowire.Number
		val int32
	}{
		{blobNum, blob.Num}, {blobChannels, blob.Channels},
		{blobHeight, blob.Height}, {blobWidth, blob.Width},
	} {
		if f.val != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			//nolint:gosec // G115: int32 is encoded as sign-extended varint.
			b = protowire.AppendVarint(b, uint64(f.val))
		}
	}
	if len(blob.Data) > 0 {
		packed := make([]byte, 0, 4*len(blob.Data))
		for _, v := range blob.Data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, blobData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(blob.Shape) > 0 {
		var dims []byte
		for _, d := range blob.Shape {
			//nolint:gosec // G115: dims are non-negative.
			dims = protowire.AppendVarint(dims, uint64(d))
		}
		var shape []byte
		shape = protowire.AppendTag(shape, blobShapeDim, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dims)
		b = protowire.AppendTag(b, blobShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	}
	if len(blob.DoubleData) > 0 {
		packed := make([]byte, 0, 8*len(blob.DoubleData))
		for _, v := range blob.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, blobDoubleData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}
