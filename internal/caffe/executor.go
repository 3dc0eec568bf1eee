package caffe

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/internal/tensor"
)

// opHandler runs one node against its resolved inputs.
type opHandler func(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error)

var opHandlers = map[OpKind]opHandler{
	OpIdentity:            runIdentity,
	OpConvolution:         runConvolution,
	OpFusedBatchNormScale: runBatchNormScale,
	OpReLU:                runReLU,
	OpPooling:             runPooling,
	OpEltwise:             runEltwise,
	OpLinear:              runLinear,
	OpSoftmax:             runSoftmax,
}

// Forward runs the graph on input, a float32 tensor of shape [N, C, H, W]
// matching the input blob, and returns the last node's output.
func (g *Graph) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	blobs, err := g.ForwardBlobs(input)
	if err != nil {
		return nil, err
	}
	return blobs[g.OutputName()], nil
}

// ForwardBlobs runs the graph on input and returns every blob value as it
// stands at the end of the pass. A blob written by several nodes (in-place
// ReLU, for instance) holds the last value.
func (g *Graph) ForwardBlobs(input *tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return nil, errors.WithMessage(ErrStructural, "graph has no nodes")
	}
	if err := g.checkInput(input); err != nil {
		return nil, err
	}

	blobs := map[string]*tensor.RawTensor{g.inputName: input}
	inputs := make([]*tensor.RawTensor, 0, 2)
	for _, n := range g.nodes {
		inputs = inputs[:0]
		for _, name := range n.Inputs {
			t, ok := blobs[name]
			if !ok {
				return nil, errors.WithMessagef(ErrLookup, "node %q: blob %q not found", n.Name, name)
			}
			inputs = append(inputs, t)
		}
		if !n.Bound() {
			return nil, errors.WithMessagef(ErrUnbound, "node %q (%s)", n.Name, n.Kind)
		}

		out, err := g.runNode(n, inputs)
		if err != nil {
			return nil, err
		}
		klog.V(2).Infof("caffe: forward %s %q -> %q %v", n.Kind, n.Name, n.Output, out.Shape())
		blobs[n.Output] = out
	}
	return blobs, nil
}

// runNode dispatches n to its handler and turns kernel panics into errors.
func (g *Graph) runNode(n *Node, inputs []*tensor.RawTensor) (out *tensor.RawTensor, err error) {
	handler, ok := opHandlers[n.Kind]
	if !ok {
		return nil, errors.Errorf("node %q: no handler for %s", n.Name, n.Kind)
	}
	var handlerErr error
	if exc := exceptions.TryCatch[error](func() { out, handlerErr = handler(g.backend, n, inputs) }); exc != nil {
		return nil, errors.WithMessagef(exc, "node %q (%s)", n.Name, n.Kind)
	}
	if handlerErr != nil {
		return nil, errors.WithMessagef(handlerErr, "node %q (%s)", n.Name, n.Kind)
	}
	return out, nil
}

func (g *Graph) checkInput(input *tensor.RawTensor) error {
	if input == nil {
		return errors.WithMessage(ErrShapeMismatch, "nil input")
	}
	if input.DType() != tensor.Float32 {
		return errors.WithMessagef(ErrShapeMismatch, "input dtype %s, want float32", input.DType())
	}
	shape := input.Shape()
	s := g.inputShape
	if len(shape) != 4 || shape[1] != s.Channels || shape[2] != s.Height || shape[3] != s.Width {
		return errors.WithMessagef(ErrShapeMismatch,
			"input %q has shape %v, want [N %d %d %d]", g.inputName, shape, s.Channels, s.Height, s.Width)
	}
	return nil
}

// bound returns the tensor in s, or nil if the slot is empty.
func bound(s *Slot) *tensor.RawTensor {
	t, _ := s.Tensor()
	return t
}

func runIdentity(_ tensor.Backend, _ *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	return inputs[0], nil
}

func runConvolution(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	c := n.Conv
	return be.Conv2D(inputs[0], bound(&n.Weight), bound(&n.Bias), c.Stride, c.Pad, c.Groups), nil
}

func runBatchNormScale(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	return be.BatchNorm(inputs[0], bound(&n.Mean), bound(&n.Variance), bound(&n.Gamma), bound(&n.Beta),
		float32(n.BatchNorm.Eps)), nil
}

func runReLU(be tensor.Backend, _ *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	return be.ReLU(inputs[0]), nil
}

func runPooling(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	return be.Pool2D(inputs[0], n.Pool.Method, n.Pool.KernelSize, n.Pool.Stride), nil
}

func runEltwise(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	a, b := inputs[0], inputs[1]
	if !a.Shape().Equal(b.Shape()) {
		return nil, errors.WithMessagef(ErrShapeMismatch, "%s of %q %v and %q %v",
			n.Eltwise.Op, n.Inputs[0], a.Shape(), n.Inputs[1], b.Shape())
	}
	switch n.Eltwise.Op {
	case EltwiseSum:
		return be.Add(a, b), nil
	case EltwiseProd:
		return be.Mul(a, b), nil
	case EltwiseDiv:
		return be.Div(a, b), nil
	default:
		return nil, errors.Errorf("unknown eltwise operation %d", n.Eltwise.Op)
	}
}

func runLinear(be tensor.Backend, n *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	x := inputs[0]
	shape := x.Shape()
	switch {
	case n.Linear.Flatten && len(shape) > 2:
		x = be.Reshape(x, tensor.Shape{shape[0], x.NumElements() / shape[0]})
	case len(shape) != 2:
		return nil, errors.WithMessagef(ErrShapeMismatch, "linear input %v is not [N, features]", shape)
	}
	return be.Linear(x, bound(&n.Weight), bound(&n.Bias)), nil
}

func runSoftmax(be tensor.Backend, _ *Node, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	return be.Softmax(inputs[0], 1), nil
}
