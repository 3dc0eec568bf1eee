package caffe

import (
	"fmt"

	"github.com/pkg/errors"
)

// flatDim marks the spatial dims of a blob whose spatial structure is gone.
const flatDim = -1

// BlobShape is the per-sample shape of a blob: a channel count plus spatial
// dims, or a flattened vector when Width and Height are both -1.
type BlobShape struct {
	Channels int
	Width    int
	Height   int
}

// Flat returns the flattened shape of a vector with c elements.
func Flat(c int) BlobShape {
	return BlobShape{Channels: c, Width: flatDim, Height: flatDim}
}

// IsSpatial reports whether the blob still has width and height.
func (s BlobShape) IsSpatial() bool {
	return s.Width >= 0 && s.Height >= 0
}

// Elements returns the number of values per sample.
func (s BlobShape) Elements() int {
	if !s.IsSpatial() {
		return s.Channels
	}
	return s.Channels * s.Width * s.Height
}

// Dims returns the shape as tensor dims for a batch of n: [n, C, H, W] or,
// when flattened, [n, C].
func (s BlobShape) Dims(n int) []int {
	if !s.IsSpatial() {
		return []int{n, s.Channels}
	}
	return []int{n, s.Channels, s.Height, s.Width}
}

func (s BlobShape) String() string {
	if !s.IsSpatial() {
		return fmt.Sprintf("(%d)", s.Channels)
	}
	return fmt.Sprintf("(%d, %d, %d)", s.Channels, s.Height, s.Width)
}

// ShapeTracker maps blob names to their latest inferred shape.
type ShapeTracker struct {
	order  []string
	shapes map[string]BlobShape
}

// NewShapeTracker returns an empty tracker.
func NewShapeTracker() *ShapeTracker {
	return &ShapeTracker{shapes: make(map[string]BlobShape)}
}

// Set records shape for name, overwriting any earlier shape.
func (t *ShapeTracker) Set(name string, shape BlobShape) {
	if _, ok := t.shapes[name]; !ok {
		t.order = append(t.order, name)
	}
	t.shapes[name] = shape
}

// Get returns the shape of name. Asking for a blob that nothing produced
// means the definition is malformed or out of order.
func (t *ShapeTracker) Get(name string) (BlobShape, error) {
	s, ok := t.shapes[name]
	if !ok {
		return BlobShape{}, errors.WithMessagef(ErrStructural, "blob %q has no producer", name)
	}
	return s, nil
}

// Names returns the tracked blob names in the order they were first set.
func (t *ShapeTracker) Names() []string {
	return append([]string(nil), t.order...)
}

// Snapshot returns a copy of the current name to shape table.
func (t *ShapeTracker) Snapshot() map[string]BlobShape {
	res := make(map[string]BlobShape, len(t.shapes))
	for k, v := range t.shapes {
		res[k] = v
	}
	return res
}

// convOutDim is floor((in + 2*pad - kernel) / stride) + 1.
func convOutDim(in, kernel, stride, pad int) int {
	num := in + 2*pad - kernel
	if num < 0 {
		// Kernel larger than the padded input.
		return 0
	}
	return num/stride + 1
}
