package caffe

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/internal/tensor"
)

// BuildOptions configures graph construction.
type BuildOptions struct {
	// Strict fails on unsupported layers (default: false = skip with warning).
	Strict bool
}

// DefaultBuildOptions returns default build options.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{Strict: false}
}

// Layer types that never produce a node.
var (
	dataSourceTypes = map[string]bool{
		"Data":       true,
		"Input":      true,
		"ImageData":  true,
		"HDF5Data":   true,
		"MemoryData": true,
		"DummyData":  true,
		"WindowData": true,
		"HDF5Output": true,
	}
	lossOrMetricTypes = map[string]bool{
		"SoftmaxWithLoss":         true,
		"EuclideanLoss":           true,
		"SigmoidCrossEntropyLoss": true,
		"HingeLoss":               true,
		"InfogainLoss":            true,
		"MultinomialLogisticLoss": true,
		"ContrastiveLoss":         true,
		"Accuracy":                true,
		"Silence":                 true,
	}
)

func isDataSource(typ string) bool {
	return dataSourceTypes[typ]
}

func isLossOrMetric(typ string) bool {
	return lossOrMetricTypes[typ]
}

// layerFunc compiles one layer record into a node and its output shape.
type layerFunc func(b *builder, rec *LayerRecord) (*Node, BlobShape, error)

// layerFuncs holds the single-record layer types. BatchNorm is not here: it
// consumes two records and has its own step.
var layerFuncs = map[string]layerFunc{
	"Convolution":  (*builder).convolution,
	"ReLU":         (*builder).relu,
	"Pooling":      (*builder).pooling,
	"Eltwise":      (*builder).eltwise,
	"InnerProduct": (*builder).innerProduct,
	"Softmax":      (*builder).softmax,
	"Dropout":      (*builder).dropout,
}

type builder struct {
	opts   BuildOptions
	shapes *ShapeTracker
	graph  *Graph

	// spatialFlat holds blobs the tracker records as flattened that stay 4-D
	// at run time: a spatial Softmax output and layout-preserving results of
	// one.
	spatialFlat map[string]bool
}

// Build compiles def into a graph that runs on backend.
//
// Layers are processed strictly in file order. Data and loss layers are
// dropped silently. Unsupported layers are dropped with a diagnostic, or fail
// the build when opts.Strict is set.
func Build(def *NetDef, backend tensor.Backend, opts ...BuildOptions) (*Graph, error) {
	opt := DefaultBuildOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	if def.InputName == "" {
		return nil, errors.WithMessage(ErrStructural, "definition has no input blob")
	}

	b := &builder{
		opts:        opt,
		shapes:      NewShapeTracker(),
		spatialFlat: make(map[string]bool),
		graph: &Graph{
			name:       def.Name,
			backend:    backend,
			inputName:  def.InputName,
			inputShape: def.InputShape,
			inputBatch: def.InputBatch,
		},
	}
	if b.graph.inputBatch <= 0 {
		b.graph.inputBatch = 1
	}
	b.shapes.Set(def.InputName, def.InputShape)

	for i := 0; i < len(def.Layers); {
		n, err := b.step(def.Layers, i)
		if err != nil {
			return nil, err
		}
		i += n
	}

	b.graph.shapes = b.shapes
	klog.V(1).Infof("caffe: built %q: %d layers -> %d nodes, %d skipped",
		def.Name, len(def.Layers), len(b.graph.nodes), len(b.graph.skipped))
	return b.graph, nil
}

// step compiles the record at position i and returns how many records it
// consumed.
func (b *builder) step(layers []LayerRecord, i int) (int, error) {
	rec := &layers[i]
	typ := canonicalType(rec.Type)

	switch {
	case isDataSource(typ), isLossOrMetric(typ):
		klog.V(1).Infof("caffe: dropping %s layer %q", typ, rec.Name)
		return 1, nil
	case typ == "BatchNorm":
		return b.batchNormScale(layers, i)
	}

	fn, ok := layerFuncs[typ]
	if !ok {
		return 1, b.unsupported(rec, "no handler for layer type")
	}
	node, shape, err := fn(b, rec)
	if err != nil {
		if errors.Is(err, ErrUnsupportedLayer) {
			return 1, b.unsupported(rec, err.Error())
		}
		return 0, wrapLayer(rec, err)
	}
	b.emit(rec, node, shape)
	return 1, nil
}

func (b *builder) emit(rec *LayerRecord, node *Node, shape BlobShape) {
	node.LayerType = rec.Type
	b.graph.nodes = append(b.graph.nodes, node)
	b.trackLayout(node)
	b.shapes.Set(node.Output, shape)
	klog.V(2).Infof("caffe: %s %q %v -> %q %v", node.Kind, node.Name, node.Inputs, node.Output, shape)
}

// trackLayout updates spatialFlat for node's output. It must run before the
// output shape is recorded, since Softmax may write its input in place.
func (b *builder) trackLayout(node *Node) {
	hidden := false
	switch node.Kind {
	case OpSoftmax:
		in, err := b.shapes.Get(node.Inputs[0])
		hidden = (err == nil && in.IsSpatial()) || b.spatialFlat[node.Inputs[0]]
	case OpReLU, OpIdentity, OpEltwise, OpFusedBatchNormScale:
		for _, name := range node.Inputs {
			hidden = hidden || b.spatialFlat[name]
		}
	}
	if hidden {
		b.spatialFlat[node.Output] = true
	} else {
		delete(b.spatialFlat, node.Output)
	}
}

// unsupported records a skipped layer, or returns the error in strict mode.
func (b *builder) unsupported(rec *LayerRecord, reason string) error {
	if b.opts.Strict {
		return layerErrorf(rec, ErrUnsupportedLayer, "%s", reason)
	}
	klog.Warningf("caffe: skipping layer %q of type %q: %s", rec.Name, rec.Type, reason)
	b.graph.skipped = append(b.graph.skipped, rec.Name)
	b.graph.diags = append(b.graph.diags, Diagnostic{
		Kind:    DiagUnsupportedLayer,
		Layer:   rec.Name,
		Type:    rec.Type,
		Message: reason,
	})
	return nil
}

func (b *builder) warn(rec *LayerRecord, msg string) {
	klog.Warningf("caffe: layer %q: %s", rec.Name, msg)
	b.graph.diags = append(b.graph.diags, Diagnostic{
		Kind:    DiagShapeWarning,
		Layer:   rec.Name,
		Type:    rec.Type,
		Message: msg,
	})
}

func wrapLayer(rec *LayerRecord, err error) error {
	var le *LayerError
	if errors.As(err, &le) {
		return err
	}
	return errors.WithStack(&LayerError{Layer: rec.Name, Type: rec.Type, Err: err})
}

// single checks the record has one bottom and one top and returns the
// bottom's shape.
func (b *builder) single(rec *LayerRecord) (BlobShape, error) {
	if len(rec.Bottoms) != 1 {
		return BlobShape{}, errors.WithMessagef(ErrStructural, "want 1 bottom, got %d", len(rec.Bottoms))
	}
	if rec.Top() == "" {
		return BlobShape{}, errors.WithMessage(ErrStructural, "layer has no top")
	}
	return b.shapes.Get(rec.Bottoms[0])
}

// positive reads an integer parameter that must be >= 1.
func positive(p Params, key string, def int) (int, error) {
	v, err := p.Int(key, def)
	if err != nil {
		return 0, err
	}
	if v < 1 {
		return 0, errors.WithMessagef(ErrStructural, "%s must be positive, got %d", key, v)
	}
	return v, nil
}

func required(p Params, key string) error {
	if !p.Has(key) {
		return errors.WithMessagef(ErrStructural, "missing %s", key)
	}
	return nil
}

// squareParam reads a spatial parameter given either as key or as the
// hKey/wKey pair and checks it is not below least. Height and width must
// agree: only square kernels, strides and pads are supported.
func squareParam(p Params, key, hKey, wKey string, def, least int) (int, error) {
	var v int
	switch hasH, hasW := p.Has(hKey), p.Has(wKey); {
	case hasH != hasW:
		return 0, errors.WithMessagef(ErrStructural, "%s and %s must be set together", hKey, wKey)
	case hasH && p.Has(key):
		return 0, errors.WithMessagef(ErrStructural, "set either %s or %s/%s, not both", key, hKey, wKey)
	case hasH:
		h, err := p.Int(hKey, 0)
		if err != nil {
			return 0, err
		}
		w, err := p.Int(wKey, 0)
		if err != nil {
			return 0, err
		}
		if h != w {
			return 0, errors.WithMessagef(ErrUnsupportedLayer, "non-square %s %dx%d", key, h, w)
		}
		v = h
	default:
		vals, err := p.Ints(key)
		if err != nil {
			return 0, err
		}
		v = def
		if len(vals) > 0 {
			v = vals[0]
		}
		for _, other := range vals[1:] {
			if other != v {
				return 0, errors.WithMessagef(ErrUnsupportedLayer, "per-axis %s %v", key, vals)
			}
		}
	}
	if v < least {
		return 0, errors.WithMessagef(ErrStructural, "%s must be at least %d, got %d", key, least, v)
	}
	return v, nil
}

func (b *builder) convolution(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if !in.IsSpatial() {
		return nil, BlobShape{}, errors.WithMessagef(ErrStructural, "input %q is not spatial", rec.Bottoms[0])
	}
	p := rec.Params
	if err := required(p, "convolution_param.num_output"); err != nil {
		return nil, BlobShape{}, err
	}
	if !p.Has("convolution_param.kernel_size") && !p.Has("convolution_param.kernel_h") {
		return nil, BlobShape{}, errors.WithMessage(ErrStructural, "missing convolution_param.kernel_size")
	}

	conv := &ConvParams{InChannels: in.Channels}
	if conv.OutChannels, err = positive(p, "convolution_param.num_output", 0); err != nil {
		return nil, BlobShape{}, err
	}
	if conv.KernelSize, err = squareParam(p, "convolution_param.kernel_size",
		"convolution_param.kernel_h", "convolution_param.kernel_w", 0, 1); err != nil {
		return nil, BlobShape{}, err
	}
	if conv.Stride, err = squareParam(p, "convolution_param.stride",
		"convolution_param.stride_h", "convolution_param.stride_w", 1, 1); err != nil {
		return nil, BlobShape{}, err
	}
	if conv.Pad, err = squareParam(p, "convolution_param.pad",
		"convolution_param.pad_h", "convolution_param.pad_w", 0, 0); err != nil {
		return nil, BlobShape{}, err
	}
	if conv.Groups, err = positive(p, "convolution_param.group", 1); err != nil {
		return nil, BlobShape{}, err
	}
	if conv.BiasTerm, err = p.Bool("convolution_param.bias_term", true); err != nil {
		return nil, BlobShape{}, err
	}
	if in.Channels%conv.Groups != 0 || conv.OutChannels%conv.Groups != 0 {
		return nil, BlobShape{}, errors.WithMessagef(ErrStructural,
			"channels %d -> %d not divisible by group %d", in.Channels, conv.OutChannels, conv.Groups)
	}

	out := BlobShape{
		Channels: conv.OutChannels,
		Width:    convOutDim(in.Width, conv.KernelSize, conv.Stride, conv.Pad),
		Height:   convOutDim(in.Height, conv.KernelSize, conv.Stride, conv.Pad),
	}
	if out.Width <= 0 || out.Height <= 0 {
		return nil, BlobShape{}, errors.WithMessagef(ErrShapeInference,
			"output %dx%d from input %v, kernel %d, stride %d, pad %d",
			out.Height, out.Width, in, conv.KernelSize, conv.Stride, conv.Pad)
	}
	node := &Node{
		Name:   rec.Name,
		Kind:   OpConvolution,
		Inputs: []string{rec.Bottoms[0]},
		Output: rec.Top(),
		Conv:   conv,
	}
	return node, out, nil
}

// batchNormScale compiles a BatchNorm record together with the Scale record
// that must follow it, and consumes both.
func (b *builder) batchNormScale(layers []LayerRecord, i int) (int, error) {
	rec := &layers[i]
	if i+1 >= len(layers) || canonicalType(layers[i+1].Type) != "Scale" {
		next := "end of definition"
		if i+1 < len(layers) {
			next = "layer " + layers[i+1].Name + " of type " + layers[i+1].Type
		}
		return 0, layerErrorf(rec, ErrStructural, "BatchNorm must be followed by Scale, found %s", next)
	}
	scale := &layers[i+1]

	in, err := b.single(rec)
	if err != nil {
		return 0, wrapLayer(rec, err)
	}
	if scale.Top() == "" {
		return 0, layerErrorf(scale, ErrStructural, "layer has no top")
	}
	bn := &BatchNormParams{Channels: in.Channels, ScaleName: scale.Name}
	if bn.Momentum, err = rec.Params.Float("batch_norm_param.moving_average_fraction", 0.999); err != nil {
		return 0, wrapLayer(rec, err)
	}
	if bn.Eps, err = rec.Params.Float("batch_norm_param.eps", 1e-5); err != nil {
		return 0, wrapLayer(rec, err)
	}

	node := &Node{
		Name:      rec.Name,
		Kind:      OpFusedBatchNormScale,
		Inputs:    []string{rec.Bottoms[0]},
		Output:    scale.Top(),
		BatchNorm: bn,
	}
	b.emit(rec, node, in)
	return 2, nil
}

func (b *builder) relu(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if slope, _ := rec.Params.Float("relu_param.negative_slope", 0); slope != 0 {
		return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "leaky ReLU (negative_slope %g)", slope)
	}
	return &Node{Name: rec.Name, Kind: OpReLU, Inputs: []string{rec.Bottoms[0]}, Output: rec.Top()}, in, nil
}

func (b *builder) dropout(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	return &Node{Name: rec.Name, Kind: OpIdentity, Inputs: []string{rec.Bottoms[0]}, Output: rec.Top()}, in, nil
}

func (b *builder) pooling(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if !in.IsSpatial() {
		return nil, BlobShape{}, errors.WithMessagef(ErrStructural, "input %q is not spatial", rec.Bottoms[0])
	}
	p := rec.Params
	pool := &PoolParams{}
	switch m := strings.ToUpper(p.String("pooling_param.pool", "MAX")); m {
	case "MAX", "0":
		pool.Method = tensor.PoolMax
	case "AVE", "1":
		pool.Method = tensor.PoolAverage
	default:
		return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "pooling method %s", m)
	}
	pad, err := squareParam(p, "pooling_param.pad", "pooling_param.pad_h", "pooling_param.pad_w", 0, 0)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if pad != 0 {
		return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "padded pooling (pad %d)", pad)
	}

	global, err := p.Bool("pooling_param.global_pooling", false)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if global {
		if in.Width != in.Height {
			return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "global pooling over non-square %v", in)
		}
		pool.KernelSize, pool.Stride = in.Width, 1
	} else {
		if !p.Has("pooling_param.kernel_size") && !p.Has("pooling_param.kernel_h") {
			return nil, BlobShape{}, errors.WithMessage(ErrStructural, "missing pooling_param.kernel_size")
		}
		if pool.KernelSize, err = squareParam(p, "pooling_param.kernel_size",
			"pooling_param.kernel_h", "pooling_param.kernel_w", 0, 1); err != nil {
			return nil, BlobShape{}, err
		}
		if pool.Stride, err = squareParam(p, "pooling_param.stride",
			"pooling_param.stride_h", "pooling_param.stride_w", 1, 1); err != nil {
			return nil, BlobShape{}, err
		}
	}

	out := BlobShape{
		Channels: in.Channels,
		Width:    convOutDim(in.Width, pool.KernelSize, pool.Stride, 0),
		Height:   convOutDim(in.Height, pool.KernelSize, pool.Stride, 0),
	}
	if out.Width <= 0 || out.Height <= 0 {
		return nil, BlobShape{}, errors.WithMessagef(ErrShapeInference,
			"output %dx%d from input %v, kernel %d, stride %d",
			out.Height, out.Width, in, pool.KernelSize, pool.Stride)
	}
	node := &Node{Name: rec.Name, Kind: OpPooling, Inputs: []string{rec.Bottoms[0]}, Output: rec.Top(), Pool: pool}
	return node, out, nil
}

// eltwiseOps maps operation spellings, including the symbolic ones some
// converters write, to operators.
var eltwiseOps = map[string]EltwiseOp{
	"SUM":  EltwiseSum,
	"+":    EltwiseSum,
	"1":    EltwiseSum,
	"PROD": EltwiseProd,
	"MUL":  EltwiseProd,
	"*":    EltwiseProd,
	"0":    EltwiseProd,
	"DIV":  EltwiseDiv,
	"/":    EltwiseDiv,
}

func (b *builder) eltwise(rec *LayerRecord) (*Node, BlobShape, error) {
	if len(rec.Bottoms) != 2 {
		return nil, BlobShape{}, errors.WithMessagef(ErrStructural, "Eltwise needs 2 bottoms, got %d", len(rec.Bottoms))
	}
	if rec.Top() == "" {
		return nil, BlobShape{}, errors.WithMessage(ErrStructural, "layer has no top")
	}
	name := strings.ToUpper(rec.Params.String("eltwise_param.operation", "SUM"))
	op, ok := eltwiseOps[name]
	if !ok {
		return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "eltwise operation %s", name)
	}
	coeffs, err := rec.Params.Floats("eltwise_param.coeff")
	if err != nil {
		return nil, BlobShape{}, errors.WithMessage(ErrStructural, err.Error())
	}
	for _, c := range coeffs {
		if c != 1 {
			return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer, "eltwise coefficients %v", coeffs)
		}
	}

	first, err := b.shapes.Get(rec.Bottoms[0])
	if err != nil {
		return nil, BlobShape{}, err
	}
	second, err := b.shapes.Get(rec.Bottoms[1])
	if err != nil {
		return nil, BlobShape{}, err
	}
	if first != second {
		b.warn(rec, "inputs "+first.String()+" and "+second.String()+" differ, forward will fail")
	}
	node := &Node{
		Name:    rec.Name,
		Kind:    OpEltwise,
		Inputs:  []string{rec.Bottoms[0], rec.Bottoms[1]},
		Output:  rec.Top(),
		Eltwise: &EltwiseParams{Op: op},
	}
	return node, first, nil
}

func (b *builder) innerProduct(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	if b.spatialFlat[rec.Bottoms[0]] {
		return nil, BlobShape{}, errors.WithMessagef(ErrUnsupportedLayer,
			"input %q comes from a spatial Softmax whose layout is not tracked", rec.Bottoms[0])
	}
	p := rec.Params
	if err := required(p, "inner_product_param.num_output"); err != nil {
		return nil, BlobShape{}, err
	}
	lin := &LinearParams{InFeatures: in.Elements(), Flatten: in.IsSpatial()}
	if lin.OutFeatures, err = positive(p, "inner_product_param.num_output", 0); err != nil {
		return nil, BlobShape{}, err
	}
	if lin.BiasTerm, err = p.Bool("inner_product_param.bias_term", true); err != nil {
		return nil, BlobShape{}, err
	}
	node := &Node{Name: rec.Name, Kind: OpLinear, Inputs: []string{rec.Bottoms[0]}, Output: rec.Top(), Linear: lin}
	return node, Flat(lin.OutFeatures), nil
}

func (b *builder) softmax(rec *LayerRecord) (*Node, BlobShape, error) {
	in, err := b.single(rec)
	if err != nil {
		return nil, BlobShape{}, err
	}
	return &Node{Name: rec.Name, Kind: OpSoftmax, Inputs: []string{rec.Bottoms[0]}, Output: rec.Top()}, Flat(in.Channels), nil
}
