// Package caffe imports Caffe networks and runs them on Born backends.
//
// A network is a text definition (.prototxt) plus an optional binary weights
// file (.caffemodel). Loading compiles the definition into an ordered list of
// nodes, inferring every blob shape on the way, and binds the weights to the
// nodes by layer name.
//
// # Example Usage
//
//	import (
//	    "github.com/born-ml/caffenet/backend/cpu"
//	    "github.com/born-ml/caffenet/caffe"
//	    "github.com/born-ml/caffenet/tensor"
//	)
//
//	model, report, err := caffe.Load("resnet.prototxt", "resnet.caffemodel", cpu.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !report.OK() {
//	    log.Printf("partially bound: %v", report.Err())
//	}
//	if !model.Complete() {
//	    log.Printf("skipped layers: %v", model.Skipped())
//	}
//	output, err := model.Forward(input)
//
// # Supported Layers
//
//   - Convolution (square kernels, groups, optional bias)
//   - BatchNorm immediately followed by Scale, fused into one node
//   - ReLU, Softmax, Dropout (identity at inference)
//   - Pooling (MAX, AVE, global)
//   - Eltwise (SUM, PROD, DIV) over exactly two inputs
//   - InnerProduct, flattening spatial inputs first
//
// Data, loss and accuracy layers are dropped. Other layer types are skipped
// with a diagnostic, or rejected with BuildOptions.Strict.
package caffe

import (
	"github.com/pkg/errors"

	internalcaffe "github.com/born-ml/caffenet/internal/caffe"
	"github.com/born-ml/caffenet/internal/caffemodel"
	"github.com/born-ml/caffenet/internal/prototxt"
	"github.com/born-ml/caffenet/tensor"
)

// Model is a compiled network. Forward is safe for concurrent use.
type Model = internalcaffe.Graph

// Types describing a compiled network.
type (
	NetDef          = internalcaffe.NetDef
	LayerRecord     = internalcaffe.LayerRecord
	Params          = internalcaffe.Params
	Node            = internalcaffe.Node
	OpKind          = internalcaffe.OpKind
	Slot            = internalcaffe.Slot
	BlobShape       = internalcaffe.BlobShape
	ShapeTracker    = internalcaffe.ShapeTracker
	Diagnostic      = internalcaffe.Diagnostic
	BuildOptions    = internalcaffe.BuildOptions
	WeightRecord    = internalcaffe.WeightRecord
	WeightBlob      = internalcaffe.WeightBlob
	BindReport      = internalcaffe.BindReport
	BindIssue       = internalcaffe.BindIssue
	LayerError      = internalcaffe.LayerError
	ConvParams      = internalcaffe.ConvParams
	BatchNormParams = internalcaffe.BatchNormParams
	PoolParams      = internalcaffe.PoolParams
	EltwiseParams   = internalcaffe.EltwiseParams
	LinearParams    = internalcaffe.LinearParams
)

// Node kinds.
const (
	OpIdentity            = internalcaffe.OpIdentity
	OpConvolution         = internalcaffe.OpConvolution
	OpFusedBatchNormScale = internalcaffe.OpFusedBatchNormScale
	OpReLU                = internalcaffe.OpReLU
	OpPooling             = internalcaffe.OpPooling
	OpEltwise             = internalcaffe.OpEltwise
	OpLinear              = internalcaffe.OpLinear
	OpSoftmax             = internalcaffe.OpSoftmax
)

// Error kinds, for use with errors.Is.
var (
	ErrStructural       = internalcaffe.ErrStructural
	ErrUnsupportedLayer = internalcaffe.ErrUnsupportedLayer
	ErrBindMismatch     = internalcaffe.ErrBindMismatch
	ErrShapeInference   = internalcaffe.ErrShapeInference
	ErrLookup           = internalcaffe.ErrLookup
	ErrShapeMismatch    = internalcaffe.ErrShapeMismatch
	ErrUnbound          = internalcaffe.ErrUnbound
)

// DefaultBuildOptions returns the default options: unsupported layers are
// skipped.
func DefaultBuildOptions() BuildOptions {
	return internalcaffe.DefaultBuildOptions()
}

// Load compiles the definition at defPath and, when weightsPath is not
// empty, binds the weights stored there.
//
// Binding problems do not fail Load; they are listed in the returned report.
func Load(defPath, weightsPath string, backend tensor.Backend, opts ...BuildOptions) (*Model, BindReport, error) {
	model, err := LoadDefinition(defPath, backend, opts...)
	if err != nil {
		return nil, BindReport{}, err
	}
	if weightsPath == "" {
		return model, BindReport{}, nil
	}
	net, err := caffemodel.ParseFile(weightsPath)
	if err != nil {
		return nil, BindReport{}, err
	}
	return model, model.Bind(internalcaffe.WeightsFromCaffemodel(net)), nil
}

// LoadDefinition compiles the definition at path without binding weights.
func LoadDefinition(path string, backend tensor.Backend, opts ...BuildOptions) (*Model, error) {
	msg, err := prototxt.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return build(msg, backend, opts...)
}

// LoadFromBytes compiles a definition held in memory and binds the weights
// file contents in weights, if any.
func LoadFromBytes(definition string, weights []byte, backend tensor.Backend, opts ...BuildOptions) (*Model, BindReport, error) {
	msg, err := prototxt.Parse(definition)
	if err != nil {
		return nil, BindReport{}, errors.WithMessage(err, "parsing definition")
	}
	model, err := build(msg, backend, opts...)
	if err != nil {
		return nil, BindReport{}, err
	}
	if len(weights) == 0 {
		return model, BindReport{}, nil
	}
	net, err := caffemodel.Parse(weights)
	if err != nil {
		return nil, BindReport{}, err
	}
	return model, model.Bind(internalcaffe.WeightsFromCaffemodel(net)), nil
}

// ReadWeights decodes a weights file into records for Model.Bind.
func ReadWeights(path string) ([]WeightRecord, error) {
	net, err := caffemodel.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return internalcaffe.WeightsFromCaffemodel(net), nil
}

func build(msg *prototxt.Message, backend tensor.Backend, opts ...BuildOptions) (*Model, error) {
	def, err := internalcaffe.NetDefFromPrototxt(msg)
	if err != nil {
		return nil, errors.WithMessage(err, "reading definition")
	}
	model, err := internalcaffe.Build(def, backend, opts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", def.Name)
	}
	return model, nil
}
