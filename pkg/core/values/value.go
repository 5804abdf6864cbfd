// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package values implements Value, the materialized float32 tensor data bound to the variables
// of a computation graph.
//
// A Value holds one or more samples of a static Shape, organized by a Layout along the dynamic
// axes: a single static sample, a batch of samples, or a batch of sequences of possibly
// different lengths, packed without padding. The samples are stored contiguously in row-major order.
//
// Values are immutable once created, and can be released early with Value.Finalize.
package values

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// ErrInvalidData is returned when the data given to a constructor doesn't match the requested shape or layout.
var ErrInvalidData = errors.New("invalid data for value")

// Number is the set of Go element types accepted by the constructors.
type Number interface {
	constraints.Integer | constraints.Float
}

// Value is a materialized tensor: a number of samples of a static shape, organized by a layout,
// residing on a device.
type Value struct {
	shape     shapes.Shape
	layout    Layout
	device    device.Descriptor
	flat      []float32
	finalized atomic.Bool
}

// FromFlat creates a Value from a flat slice holding all samples in row-major order.
// The data is copied.
func FromFlat(shape shapes.Shape, layout Layout, flat []float32, dev device.Descriptor) (*Value, error) {
	return newValue(shape, layout, slices.Clone(flat), dev)
}

// newValue takes ownership of flat.
func newValue(shape shapes.Shape, layout Layout, flat []float32, dev device.Descriptor) (*Value, error) {
	if shape.IsUnknown() {
		return nil, errors.Wrapf(ErrInvalidData, "can't create a value with an unknown shape")
	}
	if err := dev.Check(); err != nil {
		return nil, err
	}
	want := shape.TotalSize() * layout.NumSamples()
	if len(flat) != want {
		return nil, errors.Wrapf(ErrInvalidData, "shape %s with layout %s requires %d elements, got %d",
			shape, layout, want, len(flat))
	}
	return &Value{shape: shape.Clone(), layout: layout, device: dev, flat: flat}, nil
}

func toFloat32[T Number](data []T) []float32 {
	flat := make([]float32, len(data))
	for ii, v := range data {
		flat[ii] = float32(v)
	}
	return flat
}

// FromVec creates a Value with a single static sample of the given shape.
func FromVec[T Number](shape shapes.Shape, data []T, dev device.Descriptor) (*Value, error) {
	return newValue(shape, Static(), toFloat32(data), dev)
}

// BatchFromVec creates a batch of samples of the given shape. The number of samples is inferred
// from the length of data, which must be a multiple of the shape size.
func BatchFromVec[T Number](shape shapes.Shape, data []T, dev device.Descriptor) (*Value, error) {
	n, err := numSamplesFor(shape, len(data))
	if err != nil {
		return nil, err
	}
	return newValue(shape, Batch(n), toFloat32(data), dev)
}

// SequenceFromVec creates a batch with a single sequence of samples of the given shape. The sequence
// length is inferred from the length of data, which must be a multiple of the shape size.
func SequenceFromVec[T Number](shape shapes.Shape, data []T, dev device.Descriptor) (*Value, error) {
	n, err := numSamplesFor(shape, len(data))
	if err != nil {
		return nil, err
	}
	return newValue(shape, Sequences(n), toFloat32(data), dev)
}

// BatchOfSequencesFromVecs creates a batch of sequences, each one with its own length (ragged).
// Each element of sequences holds one sequence, whose length is inferred from its size.
func BatchOfSequencesFromVecs[T Number](shape shapes.Shape, sequences [][]T, dev device.Descriptor) (*Value, error) {
	lengths := make([]int, len(sequences))
	total := 0
	for ii, seq := range sequences {
		n, err := numSamplesFor(shape, len(seq))
		if err != nil {
			return nil, errors.WithMessagef(err, "sequence #%d", ii)
		}
		lengths[ii] = n
		total += len(seq)
	}
	flat := make([]float32, 0, total)
	for _, seq := range sequences {
		flat = append(flat, toFloat32(seq)...)
	}
	return newValue(shape, Sequences(lengths...), flat, dev)
}

func numSamplesFor(shape shapes.Shape, dataLen int) (int, error) {
	size := shape.TotalSize()
	if size == 0 {
		if dataLen != 0 {
			return 0, errors.Wrapf(ErrInvalidData, "shape %s has size 0, but got %d elements", shape, dataLen)
		}
		return 0, nil
	}
	if dataLen%size != 0 {
		return 0, errors.Wrapf(ErrInvalidData, "data length %d is not a multiple of the shape %s size %d",
			dataLen, shape, size)
	}
	return dataLen / size, nil
}

// FromFloat16 creates a Value from float16 data, converted to float32.
func FromFloat16(shape shapes.Shape, layout Layout, data []float16.Float16, dev device.Descriptor) (*Value, error) {
	flat := make([]float32, len(data))
	for ii, v := range data {
		flat[ii] = v.Float32()
	}
	return newValue(shape, layout, flat, dev)
}

// OneHot creates a static sample of shape [dim] with 1 at index and 0 elsewhere.
func OneHot(dim, index int, dev device.Descriptor) (*Value, error) {
	flat, err := oneHotFlat(dim, []int{index})
	if err != nil {
		return nil, err
	}
	return newValue(shapes.Make(dim), Static(), flat, dev)
}

// BatchOneHot creates a batch of one-hot samples of shape [dim], one per index.
func BatchOneHot(dim int, indices []int, dev device.Descriptor) (*Value, error) {
	flat, err := oneHotFlat(dim, indices)
	if err != nil {
		return nil, err
	}
	return newValue(shapes.Make(dim), Batch(len(indices)), flat, dev)
}

// SequenceOneHot creates a single sequence of one-hot samples of shape [dim], one per index.
func SequenceOneHot(dim int, indices []int, dev device.Descriptor) (*Value, error) {
	flat, err := oneHotFlat(dim, indices)
	if err != nil {
		return nil, err
	}
	return newValue(shapes.Make(dim), Sequences(len(indices)), flat, dev)
}

// BatchOfSequencesOneHot creates a batch of sequences of one-hot samples of shape [dim].
func BatchOfSequencesOneHot(dim int, sequences [][]int, dev device.Descriptor) (*Value, error) {
	lengths := make([]int, len(sequences))
	var all []int
	for ii, seq := range sequences {
		lengths[ii] = len(seq)
		all = append(all, seq...)
	}
	flat, err := oneHotFlat(dim, all)
	if err != nil {
		return nil, err
	}
	return newValue(shapes.Make(dim), Sequences(lengths...), flat, dev)
}

func oneHotFlat(dim int, indices []int) ([]float32, error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrInvalidData, "one-hot dimension must be > 0, got %d", dim)
	}
	flat := make([]float32, dim*len(indices))
	for ii, idx := range indices {
		if idx < 0 || idx >= dim {
			return nil, errors.Wrapf(ErrInvalidData, "one-hot index %d out of range for dimension %d", idx, dim)
		}
		flat[ii*dim+idx] = 1
	}
	return flat, nil
}

func (v *Value) assertValid() {
	if v == nil {
		exceptions.Panicf("nil Value")
	}
	if v.finalized.Load() {
		exceptions.Panicf("Value %s used after it was finalized", v.shape)
	}
}

// Shape of one sample.
func (v *Value) Shape() shapes.Shape { return v.shape.Clone() }

// Layout of the samples along the dynamic axes.
func (v *Value) Layout() Layout { return v.layout }

// Device where the value resides.
func (v *Value) Device() device.Descriptor { return v.device }

// FullShape returns the shape of all the data: the sample shape prefixed by the batch dimension for a
// batch layout. For sequences it is prefixed by the total number of samples.
func (v *Value) FullShape() shapes.Shape {
	if v.layout.Kind() == StaticLayout {
		return v.shape.Clone()
	}
	return shapes.Make(v.layout.NumSamples()).AppendShape(v.shape)
}

// NumSamples held by the value.
func (v *Value) NumSamples() int { return v.layout.NumSamples() }

// Size is the total number of elements, across all samples.
func (v *Value) Size() int { return v.shape.TotalSize() * v.layout.NumSamples() }

// Memory used by the value's data.
func (v *Value) Memory() uintptr { return 4 * uintptr(v.Size()) }

// ConstFlatData calls accessFn with the flat data of all samples. The slice must not be modified
// or retained after accessFn returns.
func (v *Value) ConstFlatData(accessFn func(flat []float32)) {
	v.assertValid()
	accessFn(v.flat)
}

// ToVec returns a copy of the data of all samples, in order.
func (v *Value) ToVec() []float32 {
	v.assertValid()
	return slices.Clone(v.flat)
}

// ToFloat16 returns a copy of the data of all samples converted to float16.
func (v *Value) ToFloat16() []float16.Float16 {
	v.assertValid()
	out := make([]float16.Float16, len(v.flat))
	for ii, x := range v.flat {
		out[ii] = float16.Fromfloat32(x)
	}
	return out
}

// ToSequences returns the data split per sequence: for a sequences layout, one slice per sequence;
// otherwise one slice per sample.
func (v *Value) ToSequences() [][]float32 {
	v.assertValid()
	size := v.shape.TotalSize()
	if v.layout.Kind() != SequencesLayout {
		out := make([][]float32, v.NumSamples())
		for ii := range out {
			out[ii] = slices.Clone(v.flat[ii*size : (ii+1)*size])
		}
		return out
	}
	offsets := v.layout.SequenceOffsets()
	out := make([][]float32, len(offsets)-1)
	for ii := range out {
		out[ii] = slices.Clone(v.flat[offsets[ii]*size : offsets[ii+1]*size])
	}
	return out
}

// CopyTo returns a copy of the value on the given device.
func (v *Value) CopyTo(dev device.Descriptor) (*Value, error) {
	v.assertValid()
	return FromFlat(v.shape, v.layout, v.flat, dev)
}

// Equal returns whether both values have the same shape, layout, device and data.
func (v *Value) Equal(v2 *Value) bool {
	v.assertValid()
	v2.assertValid()
	return v.shape.Equal(v2.shape) && v.layout.Equal(v2.layout) && v.device == v2.device &&
		slices.Equal(v.flat, v2.flat)
}

// Finalize releases the value's data immediately, as opposed to waiting for the garbage collector.
// Using the value afterwards panics. It is safe to call Finalize more than once.
func (v *Value) Finalize() {
	if v.finalized.Swap(true) {
		return
	}
	v.flat = nil
}

// IsFinalized returns whether Finalize was called.
func (v *Value) IsFinalized() bool { return v.finalized.Load() }

// maxStringElements is the maximum number of elements printed by Value.String.
const maxStringElements = 16

// String implements fmt.Stringer. Large values are truncated.
func (v *Value) String() string {
	if v.IsFinalized() {
		return fmt.Sprintf("Value%s(finalized)", v.shape)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Value%s(%s, %s, %s): ", v.shape, v.layout, v.device, humanize.Bytes(uint64(v.Memory())))
	n := min(len(v.flat), maxStringElements)
	fmt.Fprintf(&sb, "%v", v.flat[:n])
	if n < len(v.flat) {
		fmt.Fprintf(&sb, "...(%d more)", len(v.flat)-n)
	}
	return sb.String()
}
