package caffe

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/born-ml/caffenet/internal/prototxt"
)

// LayerRecord is one layer of a network definition, in file order.
type LayerRecord struct {
	Name    string
	Type    string
	Bottoms []string
	Tops    []string
	Params  Params
}

// Top returns the first output blob name, or "" if the layer declares none.
func (r *LayerRecord) Top() string {
	if len(r.Tops) == 0 {
		return ""
	}
	return r.Tops[0]
}

// Params is an ordered key/value bag. Nested messages are flattened into
// dotted keys, e.g. "convolution_param.num_output", and repeated fields keep
// every value in order.
type Params struct {
	keys   []string
	values map[string][]string
}

// NewParams returns a bag holding kv, read as alternating keys and values.
func NewParams(kv ...string) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		p.Add(kv[i], kv[i+1])
	}
	return p
}

// Add appends value to key.
func (p *Params) Add(key, value string) {
	if p.values == nil {
		p.values = make(map[string][]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = append(p.values[key], value)
}

// Keys returns the keys in insertion order.
func (p Params) Keys() []string {
	return p.keys
}

// Has reports whether key was set.
func (p Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Values returns every value of key.
func (p Params) Values(key string) []string {
	return p.values[key]
}

// String returns the first value of key, or def.
func (p Params) String(key, def string) string {
	if v := p.values[key]; len(v) > 0 {
		return v[0]
	}
	return def
}

// Int returns the first value of key parsed as an integer, or def if unset.
func (p Params) Int(key string, def int) (int, error) {
	s, ok := p.first(key)
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "param %s", key)
	}
	return v, nil
}

// Ints returns every value of key parsed as integers.
func (p Params) Ints(key string) ([]int, error) {
	vals := p.values[key]
	res := make([]int, len(vals))
	for i, s := range vals {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "param %s[%d]", key, i)
		}
		res[i] = v
	}
	return res, nil
}

// Floats returns every value of key parsed as floats.
func (p Params) Floats(key string) ([]float64, error) {
	vals := p.values[key]
	res := make([]float64, len(vals))
	for i, s := range vals {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "param %s[%d]", key, i)
		}
		res[i] = v
	}
	return res, nil
}

// Float returns the first value of key parsed as a float, or def if unset.
func (p Params) Float(key string, def float64) (float64, error) {
	s, ok := p.first(key)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "param %s", key)
	}
	return v, nil
}

// Bool returns the first value of key parsed as a boolean, or def if unset.
func (p Params) Bool(key string, def bool) (bool, error) {
	s, ok := p.first(key)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "param %s", key)
	}
	return v, nil
}

func (p Params) first(key string) (string, bool) {
	v := p.values[key]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// NetDef is a parsed network definition: the ordered layers plus the network
// input declaration.
type NetDef struct {
	Name string

	// InputName is the blob the forward pass is seeded with.
	InputName string
	// InputShape is the per-sample shape of InputName.
	InputShape BlobShape
	// InputBatch is the declared batch size, 1 if the definition has none.
	InputBatch int

	Layers []LayerRecord

	// Props holds the top-level scalar fields of the definition.
	Props Params
}

// defaultInputName is used when a definition does not name its input.
const defaultInputName = "data"

// NetDefFromPrototxt converts a parsed prototxt document into a NetDef.
//
// Layers come from `layer` blocks, or from legacy `layers` blocks when there
// are none. The input shape is taken from the first of:
//   - four `input_dim` values (N, C, H, W),
//   - `input_shape { dim ... }`,
//   - the `input_param { shape { dim ... } }` of an Input layer.
func NetDefFromPrototxt(msg *prototxt.Message) (*NetDef, error) {
	def := &NetDef{InputBatch: 1}
	def.Name, _ = msg.Scalar("name")

	for _, f := range msg.Fields {
		if !f.IsMessage() {
			def.Props.Add(f.Name, f.Value)
		}
	}

	layerMsgs := msg.Messages("layer")
	if len(layerMsgs) == 0 {
		layerMsgs = msg.Messages("layers")
	}
	def.Layers = make([]LayerRecord, 0, len(layerMsgs))
	for i, lm := range layerMsgs {
		rec := layerFromMessage(lm)
		if rec.Name == "" {
			return nil, errors.WithMessagef(ErrStructural, "layer #%d has no name", i)
		}
		def.Layers = append(def.Layers, rec)
	}

	def.InputName = defaultInputName
	if name, ok := msg.Scalar("input"); ok {
		def.InputName = name
	} else {
		for i := range def.Layers {
			if isDataSource(canonicalType(def.Layers[i].Type)) && def.Layers[i].Top() != "" {
				def.InputName = def.Layers[i].Top()
				break
			}
		}
	}

	dims, err := inputDims(msg, def.Layers)
	if err != nil {
		return nil, err
	}
	if len(dims) != 4 {
		return nil, errors.WithMessagef(ErrStructural,
			"input %q needs 4 dims (N, C, H, W), got %v", def.InputName, dims)
	}
	def.InputBatch = dims[0]
	def.InputShape = BlobShape{Channels: dims[1], Height: dims[2], Width: dims[3]}
	if def.InputBatch <= 0 || def.InputShape.Channels <= 0 || def.InputShape.Width <= 0 || def.InputShape.Height <= 0 {
		return nil, errors.WithMessagef(ErrShapeInference, "input %q has non-positive dims %v", def.InputName, dims)
	}
	return def, nil
}

func inputDims(msg *prototxt.Message, layers []LayerRecord) ([]int, error) {
	parse := func(vals []string, what string) ([]int, error) {
		dims := make([]int, len(vals))
		for i, s := range vals {
			v, err := strconv.Atoi(s)
			if err != nil {
				return nil, errors.Wrapf(err, "%s[%d]", what, i)
			}
			dims[i] = v
		}
		return dims, nil
	}

	if vals := msg.Scalars("input_dim"); len(vals) > 0 {
		return parse(vals, "input_dim")
	}
	if shapes := msg.Messages("input_shape"); len(shapes) > 0 {
		return parse(shapes[0].Scalars("dim"), "input_shape.dim")
	}
	for i := range layers {
		if canonicalType(layers[i].Type) == "Input" {
			return layers[i].Params.Ints("input_param.shape.dim")
		}
	}
	return nil, errors.WithMessage(ErrStructural, "definition declares no input shape")
}

// layerFromMessage reads one `layer` (or `layers`) block.
func layerFromMessage(m *prototxt.Message) LayerRecord {
	var rec LayerRecord
	for _, f := range m.Fields {
		switch {
		case f.IsMessage():
			flattenInto(&rec.Params, f.Name, f.Message)
		case f.Name == "name":
			rec.Name = f.Value
		case f.Name == "type":
			rec.Type = f.Value
		case f.Name == "bottom":
			rec.Bottoms = append(rec.Bottoms, f.Value)
		case f.Name == "top":
			rec.Tops = append(rec.Tops, f.Value)
		default:
			rec.Params.Add(f.Name, f.Value)
		}
	}
	return rec
}

func flattenInto(p *Params, prefix string, m *prototxt.Message) {
	for _, f := range m.Fields {
		key := prefix + "." + f.Name
		if f.IsMessage() {
			flattenInto(p, key, f.Message)
			continue
		}
		p.Add(key, f.Value)
	}
}

// v1Types maps the legacy upper-case enum spellings to current type names.
// Names missing here are already spelled the same way in both formats.
var v1Types = map[string]string{
	"ABSVAL":                     "AbsVal",
	"ACCURACY":                   "Accuracy",
	"ARGMAX":                     "ArgMax",
	"BNLL":                       "BNLL",
	"CONCAT":                     "Concat",
	"CONTRASTIVE_LOSS":           "ContrastiveLoss",
	"CONVOLUTION":                "Convolution",
	"DATA":                       "Data",
	"DECONVOLUTION":              "Deconvolution",
	"DROPOUT":                    "Dropout",
	"DUMMY_DATA":                 "DummyData",
	"ELTWISE":                    "Eltwise",
	"EUCLIDEAN_LOSS":             "EuclideanLoss",
	"EXP":                        "Exp",
	"FLATTEN":                    "Flatten",
	"HDF5_DATA":                  "HDF5Data",
	"HDF5_OUTPUT":                "HDF5Output",
	"HINGE_LOSS":                 "HingeLoss",
	"IM2COL":                     "Im2col",
	"IMAGE_DATA":                 "ImageData",
	"INFOGAIN_LOSS":              "InfogainLoss",
	"INNER_PRODUCT":              "InnerProduct",
	"LRN":                        "LRN",
	"MEMORY_DATA":                "MemoryData",
	"MULTINOMIAL_LOGISTIC_LOSS":  "MultinomialLogisticLoss",
	"MVN":                        "MVN",
	"POOLING":                    "Pooling",
	"POWER":                      "Power",
	"RELU":                       "ReLU",
	"SIGMOID":                    "Sigmoid",
	"SIGMOID_CROSS_ENTROPY_LOSS": "SigmoidCrossEntropyLoss",
	"SILENCE":                    "Silence",
	"SLICE":                      "Slice",
	"SOFTMAX":                    "Softmax",
	"SOFTMAX_LOSS":               "SoftmaxWithLoss",
	"SPLIT":                      "Split",
	"TANH":                       "TanH",
	"THRESHOLD":                  "Threshold",
	"WINDOW_DATA":                "WindowData",
}

// canonicalType returns the current spelling of a layer type.
func canonicalType(typ string) string {
	if t, ok := v1Types[typ]; ok {
		return t
	}
	return typ
}
