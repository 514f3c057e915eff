package convert

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// Tensor is a named parameter decoded to float32. All remapping operates on
// this in-memory form; dtype conversion happens once at read time.
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
}

func (t *Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// WithName returns a shallow rename of t. Data is shared, never copied;
// remapping treats tensor data as immutable.
func (t *Tensor) WithName(name string) *Tensor {
	return &Tensor{Name: name, Shape: t.Shape, Data: t.Data}
}

// State is a flat mapping from target parameter name to tensor, the unit the
// remapper produces per sub-model.
type State map[string]*Tensor

// Keys returns the state's parameter names in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// reshape2D collapses a [c, c, 1, 1] convolution kernel into the [c, c] linear
// form the target attention schema expects.
func reshape2D(t *Tensor, name string) (*Tensor, error) {
	if len(t.Shape) != 4 || t.Shape[2] != 1 || t.Shape[3] != 1 {
		return nil, fmt.Errorf("cannot reshape %s: shape %v is not a 1x1 convolution", t.Name, t.Shape)
	}

	dims := []int{int(t.Shape[0]), int(t.Shape[1]), 1, 1}
	n := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(slices.Clone(t.Data)))
	if err := n.Reshape(dims[0], dims[1]); err != nil {
		return nil, err
	}

	rows, err := native.MatrixF32(n)
	if err != nil {
		return nil, err
	}

	f32s := make([]float32, 0, len(t.Data))
	for _, row := range rows {
		f32s = append(f32s, row...)
	}

	return &Tensor{
		Name:  name,
		Shape: []uint64{t.Shape[0], t.Shape[1]},
		Data:  f32s,
	}, nil
}

// fuse concatenates the given projection tensors along the output dimension,
// producing the single fused projection the open-vocabulary encoder schema
// uses.
func fuse(name string, ts ...*Tensor) (*Tensor, error) {
	if len(ts) < 2 {
		return nil, fmt.Errorf("fuse %s: need at least two tensors", name)
	}

	ds := make([]tensor.Tensor, 0, len(ts))
	for _, t := range ts {
		var dims []int
		for _, d := range t.Shape {
			dims = append(dims, int(d))
		}
		ds = append(ds, tensor.New(tensor.WithShape(dims...), tensor.WithBacking(slices.Clone(t.Data))))
	}

	fused, err := tensor.Concat(0, ds[0], ds[1:]...)
	if err != nil {
		return nil, fmt.Errorf("fuse %s: %w", name, err)
	}

	var shape []uint64
	for _, d := range fused.Shape() {
		shape = append(shape, uint64(d))
	}

	return &Tensor{
		Name:  name,
		Shape: shape,
		Data:  fused.Data().([]float32),
	}, nil
}
