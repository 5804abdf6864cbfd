// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/v2/stacks/arraystack"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/support/sets"
	"github.com/google/uuid"
)

// Operand is anything that can be used as the operand of an operator: a *Variable, or a *Function
// with a single output, which is converted to its output variable.
type Operand interface {
	AsVariable() *Variable
}

var nextFunctionID atomic.Uint64

// Function is a node of the computation graph that computes one or more output Variables from its
// input Variables, or the combination of a set of Variables (see Combine).
//
// Functions are immutable: graph rewrites (ReplacePlaceholders, Clone) return new Functions that
// share the unaffected parts of the graph.
type Function struct {
	id   uint64
	uid  uuid.UUID
	name string

	// op is nil for functions created with Combine.
	op      *opDef
	attrs   opAttrs
	inputs  []*Variable
	outputs []*Variable

	orderOnce sync.Once
	order     *graphOrder
}

// graphOrder caches the traversal of the graph of a Function.
type graphOrder struct {
	// functions in depth-first post-order: every function comes after the functions computing its inputs,
	// except for the first operand of delays that close a recurrence.
	functions []*Function

	// units in execution order: recurrent loops are scheduled as a whole.
	units []execUnit

	// leaves in depth-first order of first visit.
	leaves []*Variable

	// variables holds all variables of the graph: leaves and function outputs.
	variables sets.Set[*Variable]
}

// newFunction builds a new primitive function: it infers the output shape and dynamic axes, panicking
// with ErrShapeMismatch if the operands are incompatible.
func newFunction(op *opDef, attrs opAttrs, name string, operands ...Operand) *Function {
	inputs := make([]*Variable, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			exceptions.Panicf("%s(): operand #%d is nil", op.name, ii)
		}
		inputs[ii] = operand.AsVariable()
	}
	f := &Function{
		id:     nextFunctionID.Add(1),
		uid:    uuid.New(),
		name:   name,
		op:     op,
		attrs:  attrs,
		inputs: inputs,
	}
	shape, dynamicAxes := shapes.Unknown(), []shapes.Axis(nil)
	if !slices.ContainsFunc(inputs, func(v *Variable) bool { return v.shape.IsUnknown() }) {
		shape, dynamicAxes = op.infer(inputs, &f.attrs)
	}
	var outOptions []VariableOption
	if name != "" {
		outOptions = append(outOptions, WithName(name))
	}
	out := newVariable(OutputKind, shape, dynamicAxes, outOptions...)
	out.owner = f
	f.outputs = []*Variable{out}
	return f
}

// Combine creates a Function whose outputs are the given operands. It is used to evaluate several
// variables at once, or to bundle a model and its loss into one Function.
// It panics if an operand is repeated.
func Combine(operands ...Operand) *Function {
	if len(operands) == 0 {
		exceptions.Panicf("Combine() requires at least one operand")
	}
	f := &Function{
		id:  nextFunctionID.Add(1),
		uid: uuid.New(),
	}
	seen := sets.Make[*Variable](len(operands))
	for _, operand := range operands {
		v := operand.AsVariable()
		if seen.Has(v) {
			exceptions.Panicf("Combine(): variable %s given more than once", v)
		}
		seen.Insert(v)
		f.outputs = append(f.outputs, v)
	}
	return f
}

// AsVariable implements Operand. It panics if the function doesn't have exactly one output.
func (f *Function) AsVariable() *Variable { return f.Output() }

// ID is a process-unique identifier, increasing in order of creation.
func (f *Function) ID() uint64 { return f.id }

// UID is a globally unique identifier, preserved when the Function is saved and loaded.
func (f *Function) UID() uuid.UUID { return f.uid }

// Name of the function, possibly empty.
func (f *Function) Name() string { return f.name }

// OpName is the name of the operator computed by the function, or "Combine".
func (f *Function) OpName() string {
	if f.op == nil {
		return "Combine"
	}
	return f.op.name
}

// IsCombine returns whether the function was created by Combine.
func (f *Function) IsCombine() bool { return f.op == nil }

// Operands returns the variables directly consumed by the function. It is empty for Combine.
func (f *Function) Operands() []*Variable { return slices.Clone(f.inputs) }

// NumOutputs of the function.
func (f *Function) NumOutputs() int { return len(f.outputs) }

// Outputs returns the output variables of the function.
func (f *Function) Outputs() []*Variable { return slices.Clone(f.outputs) }

// Output returns the single output of the function. It panics if the function has more than one output.
func (f *Function) Output() *Variable {
	if len(f.outputs) != 1 {
		exceptions.Panicf("Function %s has %d outputs, Output() requires exactly one", f, len(f.outputs))
	}
	return f.outputs[0]
}

// getOrder returns the cached traversal of the graph.
func (f *Function) getOrder() *graphOrder {
	f.orderOnce.Do(func() {
		f.order = buildOrder(f.outputs)
	})
	return f.order
}

// buildOrder traverses the graph from the given outputs with an iterative post-order depth-first
// search, so deep graphs don't exhaust the goroutine stack.
//
// It panics if the graph has a recurrence that can't be executed.
func buildOrder(outputs []*Variable) *graphOrder {
	order := &graphOrder{variables: sets.Make[*Variable]()}
	type frame struct {
		fn   *Function
		next int
	}
	visited := sets.Make[*Function]()
	onStack := sets.Make[*Function]()
	hasCycles := false
	stack := arraystack.New[*frame]()
	visit := func(v *Variable) {
		if order.variables.Has(v) {
			if !v.IsLeaf() && onStack.Has(v.owner) {
				hasCycles = true
			}
			return
		}
		order.variables.Insert(v)
		if v.IsLeaf() {
			order.leaves = append(order.leaves, v)
			return
		}
		if !visited.Has(v.owner) {
			visited.Insert(v.owner)
			onStack.Insert(v.owner)
			stack.Push(&frame{fn: v.owner})
		}
	}
	for _, out := range outputs {
		visit(out)
		for !stack.Empty() {
			top, _ := stack.Peek()
			if top.next < len(top.fn.inputs) {
				input := top.fn.inputs[top.next]
				top.next++
				visit(input)
				continue
			}
			_, _ = stack.Pop()
			onStack.Delete(top.fn)
			order.functions = append(order.functions, top.fn)
			for _, fnOut := range top.fn.outputs {
				order.variables.Insert(fnOut)
			}
		}
	}
	var loops map[*Function]*recurrentLoop
	if hasCycles {
		loops = findLoops(order.functions)
	}
	order.units = scheduleUnits(order.functions, loops)
	return order
}

// IsRecurrent returns whether the graph of the function has recurrences, created by replacing placeholders
// with PastValue or FutureValue of variables depending on them.
func (f *Function) IsRecurrent() bool {
	return slices.ContainsFunc(f.getOrder().units, func(u execUnit) bool { return u.loop != nil })
}

func (f *Function) filterLeaves(keep func(v *Variable) bool) []*Variable {
	var result []*Variable
	for _, v := range f.getOrder().leaves {
		if keep(v) {
			result = append(result, v)
		}
	}
	return result
}

// Inputs returns all leaves of the graph (inputs, parameters, constants and placeholders), in a
// deterministic depth-first order that is stable across calls.
func (f *Function) Inputs() []*Variable { return slices.Clone(f.getOrder().leaves) }

// Arguments returns the Input and SparseInput leaves of the graph, in the same order as Inputs.
func (f *Function) Arguments() []*Variable { return f.filterLeaves((*Variable).IsInput) }

// Parameters returns the Parameter leaves of the graph, in the same order as Inputs.
func (f *Function) Parameters() []*Variable { return f.filterLeaves((*Variable).IsParameter) }

// Constants returns the Constant leaves of the graph, in the same order as Inputs.
func (f *Function) Constants() []*Variable { return f.filterLeaves((*Variable).IsConstant) }

// Placeholders returns the Placeholder leaves of the graph, in the same order as Inputs.
func (f *Function) Placeholders() []*Variable { return f.filterLeaves((*Variable).IsPlaceholder) }

// Contains returns whether the variable is part of the function's graph.
func (f *Function) Contains(v *Variable) bool { return f.getOrder().variables.Has(v) }

// FindByName returns the first variable of the graph with the given name, looking at the leaves
// first, then at the function outputs in topological order. It returns nil if not found.
func (f *Function) FindByName(name string) *Variable {
	order := f.getOrder()
	for _, v := range order.leaves {
		if v.name == name {
			return v
		}
	}
	for _, fn := range order.functions {
		for _, v := range fn.outputs {
			if v.name == name {
				return v
			}
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (f *Function) String() string {
	parts := make([]string, len(f.outputs))
	for ii, v := range f.outputs {
		parts[ii] = v.String()
	}
	name := f.name
	if name != "" {
		name = fmt.Sprintf("%q ", name)
	}
	return fmt.Sprintf("%s%s -> (%s)", name, f.OpName(), strings.Join(parts, ", "))
}

// Describe returns a multi-line description of the whole graph, one function per line in topological order.
func (f *Function) Describe() string {
	var sb strings.Builder
	order := f.getOrder()
	for _, v := range order.leaves {
		fmt.Fprintf(&sb, "  %s\n", v)
	}
	for _, fn := range order.functions {
		inputs := make([]string, len(fn.inputs))
		for ii, in := range fn.inputs {
			inputs[ii] = in.String()
		}
		fmt.Fprintf(&sb, "  %s = %s(%s)\n", fn.outputs[0], fn.OpName(), strings.Join(inputs, ", "))
	}
	return sb.String()
}
