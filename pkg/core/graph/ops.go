// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/shapes"
)

// opDef defines an operator: how to infer its output, how to compute it and how to compute the
// vector-Jacobian product used by the backward pass.
type opDef struct {
	name string

	// infer returns the output shape and dynamic axes, given inputs of known shapes. It panics with
	// ErrShapeMismatch for incompatible inputs. It may normalize attrs (e.g. negative axes).
	infer func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis)

	// forward computes the output. It panics on runtime errors.
	forward func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor

	// vjp returns the gradients of the inputs flagged in need, given the gradient of the output.
	// Entries not needed can be nil. If vjp is nil, no gradient flows through the operator.
	vjp func(ctx *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, need []bool) []*tensor
}

// opAttrs holds the static attributes of an operator. It is serialized when saving a Function.
type opAttrs struct {
	Axis   shapes.Axis
	Ints   []int
	Floats []float64
	Shape  shapes.Shape
}

var opRegistry = make(map[string]*opDef)

// registerOp makes the operator available to Load. Names must be unique.
func registerOp(def opDef) *opDef {
	if _, found := opRegistry[def.name]; found {
		exceptions.Panicf("operator %q registered twice", def.name)
	}
	opRegistry[def.name] = &def
	return &def
}

// combineDynamicAxes returns the dynamic axes of the result of an element-wise operation: operands
// without dynamic axes broadcast, and all others must have the same dynamic axes.
func combineDynamicAxes(opName string, inputs ...*Variable) []shapes.Axis {
	var axes []shapes.Axis
	var from *Variable
	for _, v := range inputs {
		if len(v.dynamicAxes) == 0 {
			continue
		}
		if from == nil {
			axes, from = v.dynamicAxes, v
			continue
		}
		if !slices.Equal(axes, v.dynamicAxes) {
			panicShapeMismatchf("%s(): operands %s and %s have incompatible dynamic axes", opName, from, v)
		}
	}
	return slices.Clone(axes)
}

// inferSame is the inference of operators whose output has the shape and dynamic axes of their first input.
func inferSame(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
	return inputs[0].shape.Clone(), slices.Clone(inputs[0].dynamicAxes)
}

// inferBroadcast is the inference of element-wise operators with trailing-dimension broadcasting.
func inferBroadcast(opName string) func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		shape := inputs[0].shape
		for _, v := range inputs[1:] {
			var err error
			shape, err = shapes.Broadcast(shape, v.shape)
			if err != nil {
				panicShapeMismatchf("%s(%s): %v", opName, variablesString(inputs), err)
			}
		}
		return shape, combineDynamicAxes(opName, inputs...)
	}
}

func variablesString(vars []*Variable) string {
	s := ""
	for ii, v := range vars {
		if ii > 0 {
			s += ", "
		}
		s += v.String()
	}
	return s
}

// staticAxisAttr normalizes a static axis attribute of an operator on x, panicking if it is out of range.
func staticAxisAttr(opName string, x *Variable, attrs *opAttrs) int {
	if !attrs.Axis.IsStatic() {
		panicShapeMismatchf("%s(): requires a static axis, got %s", opName, attrs.Axis)
	}
	axis := attrs.Axis.Index
	if axis < 0 {
		axis += x.shape.Rank()
	}
	if axis < 0 || axis >= x.shape.Rank() {
		panicShapeMismatchf("%s(): axis %d out of range for %s", opName, attrs.Axis.Index, x)
	}
	attrs.Axis = shapes.NewAxis(axis)
	return axis
}

// clone returns a deep copy of the attributes.
func (attrs opAttrs) clone() opAttrs {
	return opAttrs{
		Axis:   attrs.Axis,
		Ints:   slices.Clone(attrs.Ints),
		Floats: slices.Clone(attrs.Floats),
		Shape:  attrs.Shape.Clone(),
	}
}
