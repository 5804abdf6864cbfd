// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/pkg/errors"
)

// tensor is the executor's internal representation of the data of a variable: samples of a shape,
// organized by a layout, in a flat row-major slice.
//
// Tensors are not shared between executions, and are never mutated once computed.
type tensor struct {
	shape  shapes.Shape
	layout values.Layout
	data   []float32
}

func newTensor(shape shapes.Shape, layout values.Layout) *tensor {
	return &tensor{shape: shape, layout: layout, data: make([]float32, shape.TotalSize()*layout.NumSamples())}
}

func tensorFromValue(value *values.Value) *tensor {
	t := &tensor{shape: value.Shape(), layout: value.Layout()}
	value.ConstFlatData(func(flat []float32) {
		t.data = slices.Clone(flat)
	})
	return t
}

func (t *tensor) toValue(dev device.Descriptor) (*values.Value, error) {
	return values.FromFlat(t.shape, t.layout, t.data, dev)
}

func (t *tensor) numSamples() int { return t.layout.NumSamples() }

func (t *tensor) sampleSize() int { return t.shape.TotalSize() }

func (t *tensor) isStatic() bool { return t.layout.Kind() == values.StaticLayout }

// sample returns the data of sample s. Static tensors return their only sample for any s.
func (t *tensor) sample(s int) []float32 {
	if t.isStatic() {
		s = 0
	}
	size := t.sampleSize()
	return t.data[s*size : (s+1)*size]
}

// withData returns a tensor with the same shape and layout, and the given data.
func (t *tensor) withData(data []float32) *tensor {
	return &tensor{shape: t.shape, layout: t.layout, data: data}
}

func onesLike(t *tensor) *tensor {
	out := newTensor(t.shape, t.layout)
	for ii := range out.data {
		out.data[ii] = 1
	}
	return out
}

func zerosLike(t *tensor) *tensor {
	return newTensor(t.shape, t.layout)
}

// addInPlace accumulates the data of other into t. They must have the same shape and layout.
func (t *tensor) addInPlace(other *tensor) {
	for ii, v := range other.data {
		t.data[ii] += v
	}
}

// mergeLayouts returns the layout of the result of an operation over the given tensors: static
// tensors broadcast over the samples of the others, and all non-static layouts must be equal.
func mergeLayouts(opName string, tensors ...*tensor) values.Layout {
	layout := values.Static()
	found := false
	for _, t := range tensors {
		if t.isStatic() {
			continue
		}
		if !found {
			layout, found = t.layout, true
			continue
		}
		if !layout.Equal(t.layout) {
			panic(errors.Wrapf(ErrShapeMismatch, "%s(): operands have different dynamic layouts %s and %s",
				opName, layout, t.layout))
		}
	}
	return layout
}

// broadcastMap returns, for each element of an output of outSamples samples of outShape, the flat index of
// the element of t it reads from, with trailing-dimension broadcasting of the sample shape, and broadcasting
// over samples for static tensors. It returns nil if the mapping is the identity.
func broadcastMap(t *tensor, outSamples int, outShape shapes.Shape) []int {
	inSamples := t.numSamples()
	if t.isStatic() {
		inSamples = 1
	}
	return broadcastIndices(inSamples, t.shape, outSamples, outShape)
}

func broadcastIndices(inSamples int, inShape shapes.Shape, outSamples int, outShape shapes.Shape) []int {
	rank := outShape.Rank() + 1
	outDims := make([]int, 0, rank)
	outDims = append(outDims, outSamples)
	outDims = append(outDims, outShape.Dimensions...)
	inDims := make([]int, rank)
	inDims[0] = inSamples
	pad := outShape.Rank() - inShape.Rank()
	for axis := 1; axis < rank; axis++ {
		if axis-1 < pad {
			inDims[axis] = 1
		} else {
			inDims[axis] = inShape.Dimensions[axis-1-pad]
		}
	}
	if slices.Equal(inDims, outDims) {
		return nil
	}
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		if inDims[axis] != 1 {
			strides[axis] = stride
		}
		stride *= inDims[axis]
	}
	total := 1
	for _, dim := range outDims {
		total *= dim
	}
	indices := make([]int, total)
	if total == 0 {
		return indices
	}
	counter := make([]int, rank)
	pos := 0
	for ii := range indices {
		indices[ii] = pos
		for axis := rank - 1; axis >= 0; axis-- {
			counter[axis]++
			pos += strides[axis]
			if counter[axis] < outDims[axis] {
				break
			}
			pos -= strides[axis] * counter[axis]
			counter[axis] = 0
		}
	}
	return indices
}

// gather returns data[indices[i]] for each i, or a copy of data if indices is nil.
func gather(data []float32, indices []int) []float32 {
	if indices == nil {
		return slices.Clone(data)
	}
	out := make([]float32, len(indices))
	for ii, idx := range indices {
		out[ii] = data[idx]
	}
	return out
}

// scatterAdd is the transpose of gather: it sums grad[i] into out[indices[i]], where out has size.
func scatterAdd(grad []float32, indices []int, size int) []float32 {
	if indices == nil {
		return slices.Clone(grad)
	}
	out := make([]float32, size)
	for ii, idx := range indices {
		out[idx] += grad[ii]
	}
	return out
}
