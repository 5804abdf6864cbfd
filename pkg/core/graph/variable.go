// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/ml/initializers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// VariableKind enumerates the kinds of Variable.
type VariableKind int

const (
	InputKind VariableKind = iota
	SparseInputKind
	ParameterKind
	PlaceholderKind
	ConstantKind
	OutputKind
)

// String implements fmt.Stringer.
func (k VariableKind) String() string {
	switch k {
	case InputKind:
		return "Input"
	case SparseInputKind:
		return "SparseInput"
	case ParameterKind:
		return "Parameter"
	case PlaceholderKind:
		return "Placeholder"
	case ConstantKind:
		return "Constant"
	case OutputKind:
		return "Output"
	}
	return fmt.Sprintf("VariableKind(%d)", int(k))
}

var nextVariableID atomic.Uint64

// Variable is a node of the computation graph: an input, parameter, constant or placeholder leaf,
// or the output of a Function.
//
// Variables are immutable once created, with the exception of the value of a Parameter, which
// can be changed with SetValue (typically by a learner). They can be shared by any number of Functions.
type Variable struct {
	id          uint64
	uid         uuid.UUID
	kind        VariableKind
	shape       shapes.Shape
	dynamicAxes []shapes.Axis
	name        string

	// owner is the Function that computes this variable, for OutputKind.
	owner       *Function
	outputIndex int

	// mu protects value, for parameters.
	mu    sync.RWMutex
	value *values.Value
}

// VariableOption configures the creation of a Variable.
type VariableOption func(v *Variable)

// WithName sets the name of the variable.
func WithName(name string) VariableOption {
	return func(v *Variable) { v.name = name }
}

// WithDynamicAxes sets the dynamic axes of an input or placeholder. Use no axes for an input
// without batch axis.
func WithDynamicAxes(axes ...shapes.Axis) VariableOption {
	return func(v *Variable) {
		for _, axis := range axes {
			if !axis.IsDynamic() {
				exceptions.Panicf("WithDynamicAxes(%v): %s is not a dynamic axis", axes, axis)
			}
		}
		v.dynamicAxes = slices.Clone(axes)
	}
}

func newVariable(kind VariableKind, shape shapes.Shape, dynamicAxes []shapes.Axis, options ...VariableOption) *Variable {
	v := &Variable{
		id:          nextVariableID.Add(1),
		uid:         uuid.New(),
		kind:        kind,
		shape:       shape.Clone(),
		dynamicAxes: dynamicAxes,
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// InputVariable creates an input of the given sample shape. By default, it has the batch dynamic axis,
// this can be changed with WithDynamicAxes.
func InputVariable(shape shapes.Shape, options ...VariableOption) *Variable {
	assertKnownShape("InputVariable", shape)
	return newVariable(InputKind, shape, shapes.DefaultInputDynamicAxes(), options...)
}

// SparseInputVariable creates an input meant to be fed with one-hot encoded samples.
// Values are stored densely, so it behaves as an InputVariable otherwise.
func SparseInputVariable(shape shapes.Shape, options ...VariableOption) *Variable {
	assertKnownShape("SparseInputVariable", shape)
	return newVariable(SparseInputKind, shape, shapes.DefaultInputDynamicAxes(), options...)
}

// SequenceInputVariable creates an input for batches of sequences: it has the sequence and batch dynamic axes.
func SequenceInputVariable(shape shapes.Shape, options ...VariableOption) *Variable {
	assertKnownShape("SequenceInputVariable", shape)
	return newVariable(InputKind, shape, shapes.DefaultSequenceDynamicAxes(), options...)
}

// Parameter creates a trainable parameter of the given shape, initialized with initializer on the device.
// It panics if the device is not available.
func Parameter(shape shapes.Shape, initializer initializers.Initializer, dev device.Descriptor, options ...VariableOption) *Variable {
	assertKnownShape("Parameter", shape)
	value, err := values.FromFlat(shape, values.Static(), initializer(shape), dev)
	if err != nil {
		panic(errors.WithMessagef(err, "Parameter(%s)", shape))
	}
	v := newVariable(ParameterKind, shape, nil, options...)
	v.value = value
	return v
}

// ParameterFromValue creates a trainable parameter initialized with a copy of a static value.
func ParameterFromValue(value *values.Value, options ...VariableOption) *Variable {
	value = copyStaticValue("ParameterFromValue", value)
	v := newVariable(ParameterKind, value.Shape(), nil, options...)
	v.value = value
	return v
}

// Constant creates a constant with a copy of the given static value.
func Constant(value *values.Value, options ...VariableOption) *Variable {
	value = copyStaticValue("Constant", value)
	v := newVariable(ConstantKind, value.Shape(), nil, options...)
	v.value = value
	return v
}

// ScalarConstant creates a scalar constant on the default device.
func ScalarConstant(x float64, options ...VariableOption) *Variable {
	value, err := values.FromVec(shapes.Scalar(), []float64{x}, device.Default())
	if err != nil {
		panic(errors.WithMessagef(err, "ScalarConstant(%g)", x))
	}
	v := newVariable(ConstantKind, shapes.Scalar(), nil, options...)
	v.value = value
	return v
}

// Placeholder creates a variable to be replaced later with ReplacePlaceholders. Its shape can
// be shapes.Unknown(), in which case anything built on top of it will also have an unknown shape
// until it is replaced. By default, a placeholder has the batch dynamic axis.
func Placeholder(shape shapes.Shape, options ...VariableOption) *Variable {
	return newVariable(PlaceholderKind, shape, shapes.DefaultInputDynamicAxes(), options...)
}

func assertKnownShape(fnName string, shape shapes.Shape) {
	if shape.IsUnknown() {
		panicShapeMismatchf("%s() requires a known shape", fnName)
	}
}

func copyStaticValue(fnName string, value *values.Value) *values.Value {
	if value.Layout().Kind() != values.StaticLayout {
		panicShapeMismatchf("%s() requires a static value, got layout %s", fnName, value.Layout())
	}
	value, err := value.CopyTo(value.Device())
	if err != nil {
		panic(errors.WithMessagef(err, "%s()", fnName))
	}
	return value
}

// AsVariable implements Operand.
func (v *Variable) AsVariable() *Variable { return v }

// ID is a process-unique identifier, increasing in order of creation.
func (v *Variable) ID() uint64 { return v.id }

// UID is a globally unique identifier, preserved when a Function is saved and loaded.
func (v *Variable) UID() uuid.UUID { return v.uid }

// Kind of the variable.
func (v *Variable) Kind() VariableKind { return v.kind }

// Name of the variable, possibly empty.
func (v *Variable) Name() string { return v.name }

// Shape of one sample of the variable.
func (v *Variable) Shape() shapes.Shape { return v.shape.Clone() }

// DynamicAxes of the variable: none, the batch axis, or the sequence and batch axes.
func (v *Variable) DynamicAxes() []shapes.Axis { return slices.Clone(v.dynamicAxes) }

// Axes returns all axes of the variable: its static axes followed by its dynamic axes.
func (v *Variable) Axes() []shapes.Axis {
	if v.shape.IsUnknown() {
		return v.DynamicAxes()
	}
	return append(shapes.StaticAxes(v.shape), v.dynamicAxes...)
}

// IsInput returns whether the variable is an Input or SparseInput.
func (v *Variable) IsInput() bool { return v.kind == InputKind || v.kind == SparseInputKind }

// IsParameter returns whether the variable is a Parameter.
func (v *Variable) IsParameter() bool { return v.kind == ParameterKind }

// IsConstant returns whether the variable is a Constant.
func (v *Variable) IsConstant() bool { return v.kind == ConstantKind }

// IsPlaceholder returns whether the variable is a Placeholder.
func (v *Variable) IsPlaceholder() bool { return v.kind == PlaceholderKind }

// IsOutput returns whether the variable is the output of a Function.
func (v *Variable) IsOutput() bool { return v.kind == OutputKind }

// IsLeaf returns whether the variable is not computed by a Function.
func (v *Variable) IsLeaf() bool { return v.kind != OutputKind }

// Owner returns the Function that computes the variable, or nil if it is a leaf.
func (v *Variable) Owner() *Function { return v.owner }

// Value returns the current value of a Parameter or Constant, or nil for other kinds.
func (v *Variable) Value() *values.Value {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// SetValue replaces the value of a Parameter. The new value must be static, have the same shape
// and reside on the same device as the current one. The value is not copied, and must not be
// finalized while in use.
func (v *Variable) SetValue(value *values.Value) error {
	if v.kind != ParameterKind {
		return errors.Wrapf(ErrInvalidArgument, "SetValue() can only be called on parameters, %s is a %s", v, v.kind)
	}
	if !value.Shape().Equal(v.shape) || value.Layout().Kind() != values.StaticLayout {
		return errors.Wrapf(ErrShapeMismatch, "SetValue(%s) of %s: value shape %s (%s)", v, v.shape,
			value.Shape(), value.Layout())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if value.Device() != v.value.Device() {
		return errors.Wrapf(ErrDeviceMismatch, "SetValue(%s): value on %s, parameter on %s", v, value.Device(),
			v.value.Device())
	}
	v.value = value
	return nil
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	name := v.name
	if name == "" {
		name = fmt.Sprintf("#%d", v.id)
	}
	if len(v.dynamicAxes) == 0 {
		return fmt.Sprintf("%s(%q)%s", v.kind, name, v.shape)
	}
	return fmt.Sprintf("%s(%q)%s%v", v.kind, name, v.shape, v.dynamicAxes)
}
