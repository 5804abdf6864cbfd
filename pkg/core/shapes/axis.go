// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// AxisKind enumerates the kinds of Axis.
type AxisKind int

const (
	// StaticAxisKind is an index into a Shape.
	StaticAxisKind AxisKind = iota

	// DynamicAxisKind is a named axis whose size is only known when data is bound (batch, sequence).
	DynamicAxisKind

	// AllStaticAxesKind refers to all static axes of a variable at once.
	AllStaticAxesKind

	// AllAxesKind refers to all axes, static and dynamic, of a variable at once.
	AllAxesKind
)

// Names of the default dynamic axes.
const (
	DefaultBatchAxisName    = "defaultBatchAxis"
	DefaultSequenceAxisName = "defaultDynamicAxis"
)

// Axis identifies a dimension of a variable: either a static index into its Shape, or a named
// dynamic axis.
//
// Axis is a comparable value type: two Axis with the same kind and name/index denote the same
// dimension, and can be used with == or as map keys.
type Axis struct {
	Kind  AxisKind
	Index int
	Name  string
}

// NewAxis returns a static axis. Negative values count from the end of the shape.
func NewAxis(index int) Axis {
	return Axis{Kind: StaticAxisKind, Index: index}
}

// NewDynamicAxis returns a named dynamic axis. It panics if name is empty.
func NewDynamicAxis(name string) Axis {
	if name == "" {
		exceptions.Panicf("shapes.NewDynamicAxis() requires a name")
	}
	return Axis{Kind: DynamicAxisKind, Name: name}
}

// DefaultBatchAxis is the dynamic axis over which samples of a minibatch are organized.
func DefaultBatchAxis() Axis { return NewDynamicAxis(DefaultBatchAxisName) }

// DefaultSequenceAxis is the dynamic axis over which the steps of a sequence are organized.
func DefaultSequenceAxis() Axis { return NewDynamicAxis(DefaultSequenceAxisName) }

// AllStaticAxes refers to all static axes at once.
func AllStaticAxes() Axis { return Axis{Kind: AllStaticAxesKind} }

// AllAxes refers to all axes, static and dynamic, at once.
func AllAxes() Axis { return Axis{Kind: AllAxesKind} }

// IsStatic returns whether the axis is a static index.
func (a Axis) IsStatic() bool { return a.Kind == StaticAxisKind }

// IsDynamic returns whether the axis is a named dynamic axis.
func (a Axis) IsDynamic() bool { return a.Kind == DynamicAxisKind }

// IsBatch returns whether this is the default batch axis.
func (a Axis) IsBatch() bool { return a == DefaultBatchAxis() }

// IsSequence returns whether this is the default sequence axis.
func (a Axis) IsSequence() bool { return a == DefaultSequenceAxis() }

// Equal returns whether a and b denote the same axis.
func (a Axis) Equal(b Axis) bool { return a == b }

// String implements fmt.Stringer.
func (a Axis) String() string {
	switch a.Kind {
	case StaticAxisKind:
		return fmt.Sprintf("Axis(%d)", a.Index)
	case DynamicAxisKind:
		return fmt.Sprintf("Axis(%q)", a.Name)
	case AllStaticAxesKind:
		return "AllStaticAxes"
	case AllAxesKind:
		return "AllAxes"
	}
	return fmt.Sprintf("Axis(kind=%d?)", a.Kind)
}

// DefaultInputDynamicAxes returns the dynamic axes given by default to input variables: only the batch axis.
func DefaultInputDynamicAxes() []Axis {
	return []Axis{DefaultBatchAxis()}
}

// DefaultSequenceDynamicAxes returns the dynamic axes of a batch of sequences: the sequence axis
// followed by the batch axis.
func DefaultSequenceDynamicAxes() []Axis {
	return []Axis{DefaultSequenceAxis(), DefaultBatchAxis()}
}

// StaticAxes returns the static axes of a shape, in order.
func StaticAxes(s Shape) []Axis {
	axes := make([]Axis, s.Rank())
	for ii := range axes {
		axes[ii] = NewAxis(ii)
	}
	return axes
}
