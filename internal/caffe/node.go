package caffe

import (
	"github.com/born-ml/caffenet/internal/tensor"
)

// OpKind identifies the operation a Node performs.
type OpKind int

// Node kinds.
const (
	OpIdentity OpKind = iota
	OpConvolution
	OpFusedBatchNormScale
	OpReLU
	OpPooling
	OpEltwise
	OpLinear
	OpSoftmax
)

var opKindNames = [...]string{
	OpIdentity:            "Identity",
	OpConvolution:         "Convolution",
	OpFusedBatchNormScale: "BatchNorm+Scale",
	OpReLU:                "ReLU",
	OpPooling:             "Pooling",
	OpEltwise:             "Eltwise",
	OpLinear:              "Linear",
	OpSoftmax:             "Softmax",
}

func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opKindNames) {
		return "Unknown"
	}
	return opKindNames[k]
}

// EltwiseOp is the combine operator of an Eltwise node.
type EltwiseOp int

// Eltwise operators.
const (
	EltwiseSum EltwiseOp = iota
	EltwiseProd
	EltwiseDiv
)

func (op EltwiseOp) String() string {
	switch op {
	case EltwiseSum:
		return "SUM"
	case EltwiseProd:
		return "PROD"
	case EltwiseDiv:
		return "DIV"
	default:
		return "UNKNOWN"
	}
}

// ConvParams are the resolved parameters of a Convolution node.
type ConvParams struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Pad         int
	Groups      int
	BiasTerm    bool
}

// BatchNormParams are the resolved parameters of a fused BatchNorm+Scale node.
type BatchNormParams struct {
	Channels int
	Momentum float64
	Eps      float64

	// ScaleName is the Scale layer fused into the node; its weights supply
	// the affine part.
	ScaleName string
}

// PoolParams are the resolved parameters of a Pooling node.
type PoolParams struct {
	Method     tensor.PoolMethod
	KernelSize int
	Stride     int
}

// LinearParams are the resolved parameters of a Linear node.
type LinearParams struct {
	InFeatures  int
	OutFeatures int
	BiasTerm    bool

	// Flatten is set when the input is still spatial and must be reshaped
	// to [N, C*H*W] first.
	Flatten bool
}

// Slot owns one parameter tensor of a node. It is either unbound or bound.
type Slot struct {
	t *tensor.RawTensor
}

// Bound reports whether the slot holds a tensor.
func (s *Slot) Bound() bool {
	return s.t != nil
}

// Tensor returns the bound tensor.
func (s *Slot) Tensor() (*tensor.RawTensor, bool) {
	return s.t, s.t != nil
}

func (s *Slot) bind(t *tensor.RawTensor) {
	s.t = t
}

func (s *Slot) clear() {
	s.t = nil
}

// Node is one operation of a compiled graph. Everything except the slots is
// fixed when the graph is built.
type Node struct {
	Name string
	Kind OpKind
	// LayerType is the type of the layer record the node was built from.
	LayerType string

	Inputs []string
	Output string

	// Exactly one of these is set, matching Kind. Kinds without parameters
	// leave them all nil.
	Conv      *ConvParams
	BatchNorm *BatchNormParams
	Pool      *PoolParams
	Eltwise   *EltwiseParams
	Linear    *LinearParams

	// Convolution and Linear use Weight and Bias.
	Weight Slot
	Bias   Slot

	// BatchNorm+Scale uses all four.
	Mean     Slot
	Variance Slot
	Gamma    Slot
	Beta     Slot
}

// EltwiseParams are the resolved parameters of an Eltwise node.
type EltwiseParams struct {
	Op EltwiseOp
}

// slots returns every slot the node's kind uses.
func (n *Node) slots() []*Slot {
	switch n.Kind {
	case OpConvolution, OpLinear:
		return []*Slot{&n.Weight, &n.Bias}
	case OpFusedBatchNormScale:
		return []*Slot{&n.Mean, &n.Variance, &n.Gamma, &n.Beta}
	default:
		return nil
	}
}

// HasParams reports whether the node expects weights.
func (n *Node) HasParams() bool {
	return len(n.slots()) > 0
}

// ParamCount returns the number of values the node's parameters hold once
// bound, derived from its resolved parameters.
func (n *Node) ParamCount() int {
	switch n.Kind {
	case OpConvolution:
		c := n.Conv
		count := c.OutChannels * (c.InChannels / c.Groups) * c.KernelSize * c.KernelSize
		if c.BiasTerm {
			count += c.OutChannels
		}
		return count
	case OpFusedBatchNormScale:
		return 4 * n.BatchNorm.Channels
	case OpLinear:
		l := n.Linear
		count := l.OutFeatures * l.InFeatures
		if l.BiasTerm {
			count += l.OutFeatures
		}
		return count
	default:
		return 0
	}
}

// Bound reports whether every required parameter of the node is bound.
// Biases are optional.
func (n *Node) Bound() bool {
	switch n.Kind {
	case OpConvolution, OpLinear:
		return n.Weight.Bound()
	case OpFusedBatchNormScale:
		return n.Mean.Bound() && n.Variance.Bound() && n.Gamma.Bound()
	default:
		return true
	}
}
