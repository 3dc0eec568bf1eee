package caffemodel

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers used from caffe.proto.
const (
	netName     = 1
	netV1Layers = 2
	netLayers   = 100

	layerName  = 1
	layerType  = 2
	layerBlobs = 7

	v1LayerName  = 4
	v1LayerType  = 5
	v1LayerBlobs = 6

	blobNum        = 1
	blobChannels   = 2
	blobHeight     = 3
	blobWidth      = 4
	blobData       = 5
	blobShape      = 7
	blobDoubleData = 8

	blobShapeDim = 1
)

// ParseFile decodes a .caffemodel file.
//
//nolint:gosec // G304: Path is provided by the user, reading it is the point.
func ParseFile(path string) (*NetParameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	net, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %q", path)
	}
	return net, nil
}

// Parse decodes a serialized caffe.NetParameter.
func Parse(data []byte) (*NetParameter, error) {
	net := &NetParameter{}
	if err := readNetParameter(data, net); err != nil {
		return nil, errors.WithMessage(err, "failed to parse NetParameter")
	}
	return net, nil
}

// fieldFunc handles one field whose tag has already been consumed. It returns
// the number of bytes of b it consumed, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates the fields of one message.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "field %d", num)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

// expect returns an error unless the field has the wire type the schema says.
func expect(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return errors.Errorf("field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

func readNetParameter(data []byte, net *NetParameter) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case netName:
			if err := expect(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeString(b)
			net.Name = v
			return n, nil
		case netLayers, netV1Layers:
			if err := expect(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var layer LayerParameter
			if num == netLayers {
				if err := readLayerParameter(sub, &layer); err != nil {
					return 0, errors.WithMessagef(err, "layer %d", len(net.Layers))
				}
				net.Layers = append(net.Layers, layer)
			} else {
				if err := readV1LayerParameter(sub, &layer); err != nil {
					return 0, errors.WithMessagef(err, "V1 layer %d", len(net.V1Layers))
				}
				net.V1Layers = append(net.V1Layers, layer)
			}
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
}

func readLayerParameter(data []byte, layer *LayerParameter) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case layerName, layerType:
			if err := expect(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeString(b)
			if num == layerName {
				layer.Name = v
			} else {
				layer.Type = v
			}
			return n, nil
		case layerBlobs:
			return readBlobField(num, typ, b, layer)
		default:
			return skip(num, typ, b)
		}
	})
}

func readV1LayerParameter(data []byte, layer *LayerParameter) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case v1LayerName:
			if err := expect(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeString(b)
			layer.Name = v
			return n, nil
		case v1LayerType:
			if err := expect(num, typ, protowire.VarintType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeVarint(b)
			//nolint:gosec // G115: enum values are small.
			layer.Type = V1TypeName(int32(v))
			return n, nil
		case v1LayerBlobs:
			return readBlobField(num, typ, b, layer)
		default:
			return skip(num, typ, b)
		}
	})
}

func readBlobField(num protowire.Number, typ protowire.Type, b []byte, layer *LayerParameter) (int, error) {
	if err := expect(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	sub, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	var blob BlobProto
	if err := readBlobProto(sub, &blob); err != nil {
		return 0, errors.WithMessagef(err, "blob %d", len(layer.Blobs))
	}
	layer.Blobs = append(layer.Blobs, blob)
	return n, nil
}

//nolint:gocognit // Field-by-field switch over BlobProto.
func readBlobProto(data []byte, blob *BlobProto) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case blobNum, blobChannels, blobHeight, blobWidth:
			if err := expect(num, typ, protowire.VarintType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeVarint(b)
			//nolint:gosec // G115: legacy dims are int32 on the wire.
			d := int32(v)
			switch num {
			case blobNum:
				blob.Num = d
			case blobChannels:
				blob.Channels = d
			case blobHeight:
				blob.Height = d
			default:
				blob.Width = d
			}
			return n, nil
		case blobData:
			return readFloats(typ, b, &blob.Data)
		case blobDoubleData:
			return readDoubles(typ, b, &blob.DoubleData)
		case blobShape:
			if err := expect(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			dims, err := readBlobShape(sub)
			if err != nil {
				return 0, err
			}
			blob.Shape = dims
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
}

func readBlobShape(data []byte) ([]int64, error) {
	var dims []int64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != blobShapeDim {
			return skip(num, typ, b)
		}
		switch typ {
		case protowire.BytesType: // packed
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				//nolint:gosec // G115: dims are int64 on the wire.
				dims = append(dims, int64(v))
				packed = packed[m:]
			}
			return n, nil
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			//nolint:gosec // G115: dims are int64 on the wire.
			dims = append(dims, int64(v))
			return n, nil
		default:
			return 0, errors.Errorf("dim: unexpected wire type %d", typ)
		}
	})
	return dims, err
}

// readFloats appends a packed or unpacked repeated float field.
func readFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if len(packed)%4 != 0 {
			return 0, errors.Errorf("packed float data has %d bytes, not a multiple of 4", len(packed))
		}
		if *dst == nil {
			*dst = make([]float32, 0, len(packed)/4)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return n, nil
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n, nil
	default:
		return 0, errors.Errorf("float data: unexpected wire type %d", typ)
	}
}

// readDoubles appends a packed or unpacked repeated double field.
func readDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if len(packed)%8 != 0 {
			return 0, errors.Errorf("packed double data has %d bytes, not a multiple of 8", len(packed))
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			*dst = append(*dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return n, nil
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n, nil
	default:
		return 0, errors.Errorf("double data: unexpected wire type %d", typ)
	}
}
