package caffe

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this package wraps one of these, so
// callers can classify failures with errors.Is.
var (
	// ErrStructural means a definition references a blob nothing produced, or
	// breaks an ordering rule such as BatchNorm without a following Scale.
	ErrStructural = errors.New("structural error")

	// ErrUnsupportedLayer marks a layer type the builder cannot map to a node.
	// It is fatal only with BuildOptions.Strict.
	ErrUnsupportedLayer = errors.New("unsupported layer")

	// ErrBindMismatch marks a weight record without a node, a node without
	// weights, or weights with the wrong number of elements.
	ErrBindMismatch = errors.New("bind mismatch")

	// ErrShapeInference means a derived spatial dimension is not positive.
	ErrShapeInference = errors.New("shape inference error")

	// ErrLookup means a forward pass needed a blob that is not in the table.
	ErrLookup = errors.New("blob lookup error")

	// ErrShapeMismatch means a runtime tensor does not have the expected shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnbound means a node's required parameters were never bound.
	ErrUnbound = errors.New("parameters not bound")
)

// LayerError attributes an error to one layer record.
type LayerError struct {
	Layer string
	Type  string
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %q (%s): %v", e.Layer, e.Type, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// layerErrorf builds a LayerError wrapping kind with a formatted message.
func layerErrorf(rec *LayerRecord, kind error, format string, args ...any) error {
	return errors.WithStack(&LayerError{
		Layer: rec.Name,
		Type:  rec.Type,
		Err:   errors.WithMessagef(kind, format, args...),
	})
}
