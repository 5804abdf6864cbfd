// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and Axis, the static description of a tensor's dimensions.
//
// A Shape describes one sample of a tensor: its static dimensions. Dynamic axes (batch and
// sequence) are not part of the Shape; they are described by the Axis values attached to
// graph variables and by the layout of concrete values.
//
// ## Glossary
//
//   - Rank: number of static axes of a Shape.
//   - Axis: identifies a dimension. It can be static (an index into a Shape) or dynamic (named,
//     like the batch or sequence axes, whose size is only known when data is bound).
//   - Dimension: the size of a Shape in one of its axes.
//   - Scalar: a Shape with no axes, holding exactly one value.
//
// Example: the multi-dimensional array `[][]float32{{0, 1, 2}, {3, 4, 5}}` has shape `[2 3]`:
// rank 2, axis 0 has dimension 2 and axis 1 has dimension 3. It could be created with
// `shapes.Make(2, 3)`.
package shapes

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrIncompatible is returned (or wrapped) when two shapes can't be combined.
var ErrIncompatible = errors.New("incompatible shapes")

// Shape is an ordered sequence of non-negative dimensions.
//
// Shape values are immutable: all methods return new shapes. A Shape may also be "unknown",
// used by placeholders whose shape is only known once they are replaced.
type Shape struct {
	Dimensions []int
	unknown    bool
}

// Make returns a Shape with the given dimensions. It panics if any dimension is negative.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with a negative dimension", dimensions)
		}
	}
	return s
}

// Scalar returns the shape of a single value: rank 0, size 1.
func Scalar() Shape {
	return Shape{}
}

// Unknown returns a shape whose dimensions are not known yet.
func Unknown() Shape {
	return Shape{unknown: true}
}

// IsUnknown returns whether the shape is not known yet.
func (s Shape) IsUnknown() bool { return s.unknown }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return !s.unknown && s.Rank() == 0 }

// AdjustAxis returns the non-negative version of axis: negative values count from the end.
// It panics for an out-of-bound axis.
func (s Shape) AdjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.AdjustAxis(axis)]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.unknown {
		return "[?]"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// TotalSize returns the number of elements in the shape: the product of all dimensions.
// The total size of a scalar is 1.
func (s Shape) TotalSize() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Size is an alias to TotalSize.
func (s Shape) Size() int { return s.TotalSize() }

// Memory returns the number of bytes used by one float32 sample of this shape.
func (s Shape) Memory() uintptr {
	return 4 * uintptr(s.TotalSize())
}

// Equal compares two shapes for equality. Two unknown shapes are equal.
func (s Shape) Equal(s2 Shape) bool {
	if s.unknown || s2.unknown {
		return s.unknown == s2.unknown
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions), unknown: s.unknown}
}

// AppendShape returns a new shape with the dimensions of s followed by the dimensions of s2.
// Neither s nor s2 are changed.
func (s Shape) AppendShape(s2 Shape) Shape {
	if s.unknown || s2.unknown {
		return Unknown()
	}
	dims := make([]int, 0, s.Rank()+s2.Rank())
	dims = append(dims, s.Dimensions...)
	dims = append(dims, s2.Dimensions...)
	return Shape{Dimensions: dims}
}

// Strides returns the row-major strides of the shape: the number of elements skipped when
// incrementing each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Broadcast returns the shape resulting from combining a and b with trailing-dimension
// broadcasting: dimensions are aligned from the end, and a dimension of 1 (or a missing leading
// dimension) stretches to match the other operand.
//
// It returns an error wrapping ErrIncompatible if the shapes can't be broadcast.
func Broadcast(a, b Shape) (Shape, error) {
	if a.unknown || b.unknown {
		return Unknown(), nil
	}
	rank := max(a.Rank(), b.Rank())
	dims := make([]int, rank)
	for ii := range rank {
		dimA, dimB := 1, 1
		if axis := a.Rank() - rank + ii; axis >= 0 {
			dimA = a.Dimensions[axis]
		}
		if axis := b.Rank() - rank + ii; axis >= 0 {
			dimB = b.Dimensions[axis]
		}
		switch {
		case dimA == dimB:
			dims[ii] = dimA
		case dimA == 1:
			dims[ii] = dimB
		case dimB == 1:
			dims[ii] = dimA
		default:
			return Shape{}, errors.Wrapf(ErrIncompatible, "can't broadcast shapes %s and %s (axis %d: %d != %d)",
				a, b, ii-rank, dimA, dimB)
		}
	}
	return Shape{Dimensions: dims}, nil
}

// CanBroadcastTo returns whether s can be broadcast to the target shape without changing the target.
func (s Shape) CanBroadcastTo(target Shape) bool {
	b, err := Broadcast(s, target)
	return err == nil && b.Equal(target)
}

// shapeGob is the serializable form of a Shape.
type shapeGob struct {
	Dimensions []int
	Unknown    bool
}

// GobEncode implements gob.GobEncoder.
func (s Shape) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(shapeGob{Dimensions: s.Dimensions, Unknown: s.unknown})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize Shape %s", s)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (s *Shape) GobDecode(data []byte) error {
	var sg shapeGob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sg); err != nil {
		return errors.Wrapf(err, "failed to deserialize Shape")
	}
	s.Dimensions = sg.Dimensions
	s.unknown = sg.Unknown
	return nil
}
