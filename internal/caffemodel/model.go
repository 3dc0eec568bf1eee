// Package caffemodel decodes Caffe's binary `.caffemodel` weights files.
//
// A weights file is a serialized caffe.NetParameter protobuf. Only the parts
// needed to recover trained parameters are decoded: the net name and, per
// layer, its name, type and blobs. Everything else (solver state, layer
// configuration duplicated from the prototxt) is skipped on the wire.
//
// Both layer encodings are understood:
//   - `layer` (field 100): LayerParameter, with a string type.
//   - `layers` (field 2): the legacy V1LayerParameter, with an enum type.
package caffemodel

// NetParameter is the decoded subset of caffe.NetParameter.
type NetParameter struct {
	Name     string
	Layers   []LayerParameter // `layer`, current format
	V1Layers []LayerParameter // `layers`, legacy format
}

// LayerParameter is the decoded subset of caffe.LayerParameter (or of
// caffe.V1LayerParameter, in which case Type holds the V1 enum spelling such as
// "CONVOLUTION").
type LayerParameter struct {
	Name  string
	Type  string
	Blobs []BlobProto
}

// BlobProto holds one parameter blob.
//
// Shape is set by current writers; legacy writers use the fixed 4-D
// Num/Channels/Height/Width fields instead.
type BlobProto struct {
	Shape      []int64
	Num        int32
	Channels   int32
	Height     int32
	Width      int32
	Data       []float32
	DoubleData []float64
}

// Dims returns the blob's dimensions, falling back to the legacy 4-D fields
// and finally to a flat [len] shape.
func (b *BlobProto) Dims() []int {
	if len(b.Shape) > 0 {
		dims := make([]int, len(b.Shape))
		for i, d := range b.Shape {
			dims[i] = int(d)
		}
		return dims
	}
	if b.Num != 0 || b.Channels != 0 || b.Height != 0 || b.Width != 0 {
		return []int{int(b.Num), int(b.Channels), int(b.Height), int(b.Width)}
	}
	return []int{b.Len()}
}

// Len returns the number of stored values.
func (b *BlobProto) Len() int {
	if len(b.Data) > 0 {
		return len(b.Data)
	}
	return len(b.DoubleData)
}

// Values returns the blob contents as float32, converting double_data if
// that is what the writer used.
func (b *BlobProto) Values() []float32 {
	if len(b.Data) > 0 || len(b.DoubleData) == 0 {
		return b.Data
	}
	out := make([]float32, len(b.DoubleData))
	for i, v := range b.DoubleData {
		out[i] = float32(v)
	}
	return out
}

// AllLayers returns the current-format layers, or the legacy ones when the
// file has none.
func (n *NetParameter) AllLayers() []LayerParameter {
	if len(n.Layers) > 0 {
		return n.Layers
	}
	return n.V1Layers
}

// v1LayerTypes maps caffe.V1LayerParameter.LayerType enum values to their
// names.
var v1LayerTypes = map[int32]string{
	0:  "NONE",
	1:  "ACCURACY",
	2:  "BNLL",
	3:  "CONCAT",
	4:  "CONVOLUTION",
	5:  "DATA",
	6:  "DROPOUT",
	7:  "EUCLIDEAN_LOSS",
	8:  "FLATTEN",
	9:  "HDF5_DATA",
	10: "HDF5_OUTPUT",
	11: "IM2COL",
	12: "IMAGE_DATA",
	13: "INFOGAIN_LOSS",
	14: "INNER_PRODUCT",
	15: "LRN",
	16: "MULTINOMIAL_LOGISTIC_LOSS",
	17: "POOLING",
	18: "RELU",
	19: "SIGMOID",
	20: "SOFTMAX",
	21: "SOFTMAX_LOSS",
	22: "SPLIT",
	23: "TANH",
	24: "WINDOW_DATA",
	25: "ELTWISE",
	26: "POWER",
	27: "SIGMOID_CROSS_ENTROPY_LOSS",
	28: "HINGE_LOSS",
	29: "MEMORY_DATA",
	30: "ARGMAX",
	31: "THRESHOLD",
	32: "DUMMY_DATA",
	33: "SLICE",
	34: "MVN",
	35: "ABSVAL",
	36: "SILENCE",
	37: "CONTRASTIVE_LOSS",
	38: "EXP",
	39: "DECONVOLUTION",
}

// V1TypeName returns the V1 enum spelling for value, or "" if unknown.
func V1TypeName(value int32) string {
	return v1LayerTypes[value]
}

// v1TypeValue is the inverse of V1TypeName.
func v1TypeValue(name string) (int32, bool) {
	for v, n := range v1LayerTypes {
		if n == name {
			return v, true
		}
	}
	return 0, false
}
