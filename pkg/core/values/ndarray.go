// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package values

import (
	"reflect"

	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/pkg/errors"
)

// FromNDArray creates a Value with a single static sample from a multidimensional Go slice
// (e.g. [][]float32) or a scalar. The dimensions of data must match shape exactly.
// Any Go numeric element type is accepted, and converted to float32.
func FromNDArray(shape shapes.Shape, data any, dev device.Descriptor) (*Value, error) {
	dims, flat, err := flattenNDArray(data)
	if err != nil {
		return nil, err
	}
	if !shape.Equal(shapes.Make(dims...)) {
		return nil, errors.Wrapf(ErrInvalidData, "array of dimensions %v doesn't match shape %s", dims, shape)
	}
	return newValue(shape, Static(), flat, dev)
}

// BatchFromNDArray creates a batch from a multidimensional Go slice whose first dimension is the
// batch and the remaining dimensions must match shape.
func BatchFromNDArray(shape shapes.Shape, data any, dev device.Descriptor) (*Value, error) {
	dims, flat, err := flattenNDArray(data)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 || !shape.Equal(shapes.Make(dims[1:]...)) {
		return nil, errors.Wrapf(ErrInvalidData, "array of dimensions %v doesn't match a batch of shape %s", dims, shape)
	}
	return newValue(shape, Batch(dims[0]), flat, dev)
}

// SequenceFromNDArray creates a batch with one sequence from a multidimensional Go slice whose first
// dimension is the sequence length and the remaining dimensions must match shape.
func SequenceFromNDArray(shape shapes.Shape, data any, dev device.Descriptor) (*Value, error) {
	length, flat, err := flattenSequenceNDArray(shape, data)
	if err != nil {
		return nil, err
	}
	return newValue(shape, Sequences(length), flat, dev)
}

// BatchOfSequencesFromNDArrays creates a batch of sequences, one per element of sequences. Each element
// is a multidimensional Go slice as in SequenceFromNDArray, and they may have different lengths.
func BatchOfSequencesFromNDArrays(shape shapes.Shape, sequences []any, dev device.Descriptor) (*Value, error) {
	lengths := make([]int, len(sequences))
	var flat []float32
	for ii, data := range sequences {
		length, seqFlat, err := flattenSequenceNDArray(shape, data)
		if err != nil {
			return nil, errors.WithMessagef(err, "sequence #%d", ii)
		}
		lengths[ii] = length
		flat = append(flat, seqFlat...)
	}
	if flat == nil {
		flat = []float32{}
	}
	return newValue(shape, Sequences(lengths...), flat, dev)
}

// flattenSequenceNDArray returns the length and the flat contents of one sequence. An empty slice is a
// sequence of length 0.
func flattenSequenceNDArray(shape shapes.Shape, data any) (int, []float32, error) {
	if v := reflect.ValueOf(data); v.Kind() == reflect.Slice && v.Len() == 0 {
		return 0, []float32{}, nil
	}
	dims, flat, err := flattenNDArray(data)
	if err != nil {
		return 0, nil, err
	}
	if len(dims) == 0 || !shape.Equal(shapes.Make(dims[1:]...)) {
		return 0, nil, errors.Wrapf(ErrInvalidData, "array of dimensions %v doesn't match a sequence of shape %s", dims, shape)
	}
	return dims[0], flat, nil
}

// ToSequenceNDArrays returns a copy of the data of a value with sequences, as one multidimensional
// []float32 slice per sequence, whose first dimension is the length of the sequence. Sequences can have
// different lengths.
func (v *Value) ToSequenceNDArrays() ([]any, error) {
	v.assertValid()
	if v.layout.Kind() != SequencesLayout {
		return nil, errors.Wrapf(ErrInvalidData, "ToSequenceNDArrays() requires sequences, got layout %s", v.layout)
	}
	result := make([]any, v.layout.BatchSize())
	for ii, seq := range v.ToSequences() {
		length := len(seq) / max(v.shape.TotalSize(), 1)
		dims := append([]int{length}, v.shape.Dimensions...)
		result[ii] = buildNDArray(reflect.ValueOf(seq), dims).Interface()
	}
	return result, nil
}

// ToNDArray returns a copy of the data as a multidimensional []float32 slice (or a float32 for a
// static scalar). For a batch the leading dimension is the batch; for sequences the leading dimensions
// are the number of sequences and their length, which must all be the same.
func (v *Value) ToNDArray() (any, error) {
	v.assertValid()
	var dims []int
	switch v.layout.Kind() {
	case BatchLayout:
		dims = append(dims, v.layout.BatchSize())
	case SequencesLayout:
		lengths := v.layout.SequenceLengths()
		for _, l := range lengths {
			if len(lengths) > 0 && l != lengths[0] {
				return nil, errors.Wrapf(ErrInvalidData,
					"can't convert ragged sequences (lengths %v) to a rectangular array, use ToSequences instead", lengths)
			}
		}
		length := 0
		if len(lengths) > 0 {
			length = lengths[0]
		}
		dims = append(dims, len(lengths), length)
	}
	dims = append(dims, v.shape.Dimensions...)
	if len(dims) == 0 {
		return v.flat[0], nil
	}
	flatCopy := reflect.ValueOf(v.ToVec())
	return buildNDArray(flatCopy, dims).Interface(), nil
}

// buildNDArray creates nested slices pointing to the flat data.
func buildNDArray(flat reflect.Value, dims []int) reflect.Value {
	if len(dims) == 1 {
		return flat
	}
	resultT := flat.Type()
	for range dims[1:] {
		resultT = reflect.SliceOf(resultT)
	}
	stride := flat.Len() / max(dims[0], 1)
	result := reflect.MakeSlice(resultT, dims[0], dims[0])
	for ii := range dims[0] {
		result.Index(ii).Set(buildNDArray(flat.Slice(ii*stride, (ii+1)*stride), dims[1:]))
	}
	return result
}

// flattenNDArray returns the dimensions and flat contents of a multidimensional slice.
// The dimensions are taken from the first element of each axis, and all others must match.
func flattenNDArray(data any) (dims []int, flat []float32, err error) {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		return nil, nil, errors.Wrapf(ErrInvalidData, "nil array")
	}
	for cur := v; cur.Kind() == reflect.Slice; {
		dims = append(dims, cur.Len())
		if cur.Len() == 0 {
			if cur.Type().Elem().Kind() == reflect.Slice {
				return nil, nil, errors.Wrapf(ErrInvalidData,
					"can't infer the dimensions of an array with an empty axis %d", len(dims)-1)
			}
			break
		}
		cur = cur.Index(0)
	}
	var visit func(v reflect.Value, depth int) error
	visit = func(v reflect.Value, depth int) error {
		if depth == len(dims) {
			x, ok := toFloat32Value(v)
			if !ok {
				return errors.Wrapf(ErrInvalidData, "unsupported element type %s", v.Type())
			}
			flat = append(flat, x)
			return nil
		}
		if v.Kind() != reflect.Slice || v.Len() != dims[depth] {
			return errors.Wrapf(ErrInvalidData, "irregular array at axis %d, expected length %d", depth, dims[depth])
		}
		for ii := range v.Len() {
			if err := visit(v.Index(ii), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err = visit(v, 0); err != nil {
		return nil, nil, err
	}
	if flat == nil {
		flat = []float32{}
	}
	return dims, flat, nil
}

func toFloat32Value(v reflect.Value) (float32, bool) {
	switch {
	case v.CanFloat():
		return float32(v.Float()), true
	case v.CanInt():
		return float32(v.Int()), true
	case v.CanUint():
		return float32(v.Uint()), true
	}
	return 0, false
}
