package tensor

// PoolMethod selects the reduction used by a pooling kernel.
type PoolMethod int

// Pooling reductions supported by Caffe's PoolingParameter.
const (
	PoolMax PoolMethod = iota
	PoolAverage
)

// String returns the Caffe enum spelling.
func (p PoolMethod) String() string {
	switch p {
	case PoolMax:
		return "MAX"
	case PoolAverage:
		return "AVE"
	default:
		return "UNKNOWN"
	}
}

// Backend defines the kernels a compiled Caffe graph dispatches to.
//
// All kernels return freshly allocated tensors and never modify their inputs.
// Shape misuse is a programming error and panics; the graph executor checks
// shapes before calling in and recovers anything that slips through.
//
// Layouts follow Caffe: activations are [N, C, H, W], convolution weights are
// [C_out, C_in/groups, K, K], fully-connected weights are [out, in].
type Backend interface {
	// Element-wise binary operations on tensors of identical shape.
	Add(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// Conv2D performs a grouped 2D convolution. bias may be nil.
	Conv2D(input, kernel, bias *RawTensor, stride, padding, groups int) *RawTensor

	// Pool2D reduces kernelSize x kernelSize windows with the given stride.
	Pool2D(input *RawTensor, method PoolMethod, kernelSize, stride int) *RawTensor

	// BatchNorm applies inference-time normalization per channel (dim 1):
	// y = (x - mean) / sqrt(variance + eps) * scale + shift.
	// scale and shift may be nil (identity affine).
	BatchNorm(x, mean, variance, scale, shift *RawTensor, eps float32) *RawTensor

	// Linear computes x @ weight^T + bias for x [N, in]. bias may be nil.
	Linear(x, weight, bias *RawTensor) *RawTensor

	// Activations.
	ReLU(x *RawTensor) *RawTensor
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reshape returns a tensor with the same data and a new shape.
	Reshape(t *RawTensor, newShape Shape) *RawTensor

	// Metadata
	Name() string
	Device() Device
}
