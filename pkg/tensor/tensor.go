package tensor

import (
	"errors"
	"fmt"
)

// Package tensor is a minimal dense float32 tensor, sufficient for handing batches,
// predictions and annotations between the training loop and its collaborators.
// The numerical heavy lifting lives in the model, not here.

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major float32 array
type Tensor struct {
	Shape  []int     `json:"shape"`
	Data   []float32 `json:"data"`
	Device string    `json:"device,omitempty"` // Empty means CPU
}

// New allocates a zero-filled tensor of the given shape
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// FromData wraps data in a tensor. len(data) must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := NumElements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %v elements for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// MustFromData is FromData that panics on error. Intended for tests and literals.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func NumElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i, or 0 if the tensor has fewer dimensions
func (t *Tensor) Dim(i int) int {
	if t == nil || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t *Tensor) Len() int {
	return t.Dim(0)
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor index %v has wrong rank for shape %v", idx, t.Shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor index %v out of range for shape %v", idx, t.Shape))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

// Row returns a view of the contiguous slice t[i, ...]
func (t *Tensor) Row(i int) []float32 {
	stride := NumElements(t.Shape[1:])
	return t.Data[i*stride : (i+1)*stride]
}

// Sub returns a view of t[i] as a tensor with one less dimension
func (t *Tensor) Sub(i int) *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape[1:]...),
		Data:   t.Row(i),
		Device: t.Device,
	}
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   append([]float32(nil), t.Data...),
		Device: t.Device,
	}
}

// To moves the tensor onto dev. A tensor that is already on dev is returned as-is.
func (t *Tensor) To(dev Device) (*Tensor, error) {
	if t == nil {
		return nil, nil
	}
	if t.Device == dev.Name() || (t.Device == "" && dev.Name() == CPUName) {
		return t, nil
	}
	return dev.Transfer(t)
}

// Stack joins equally shaped tensors along a new leading dimension
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return New(0), nil
	}
	inner := items[0].Shape
	out := &Tensor{
		Shape:  append([]int{len(items)}, inner...),
		Data:   make([]float32, 0, len(items)*NumElements(inner)),
		Device: items[0].Device,
	}
	for i, it := range items {
		if !sameShape(it.Shape, inner) {
			return nil, fmt.Errorf("%w: item %v has shape %v, expected %v", ErrShapeMismatch, i, it.Shape, inner)
		}
		out.Data = append(out.Data, it.Data...)
	}
	return out, nil
}

// ArgMax of a 1D slice. Returns -1 for an empty slice.
func ArgMax(v []float32) int {
	best := -1
	for i, x := range v {
		if best == -1 || x > v[best] {
			best = i
		}
	}
	return best
}

// MinMax of all elements
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
