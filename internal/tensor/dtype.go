// Package tensor provides the raw tensor type and the backend contract used by
// the Caffe graph executor.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors. Caffe double_data blobs are narrowed to
// float32 when decoded, so every kernel computes in float32.
const (
	Float32 DataType = iota
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}
