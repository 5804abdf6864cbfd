// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/emirpasic/gods/v2/stacks/arraystack"
	"github.com/gomlx/symbolic/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReplacePlaceholders returns a new Function where the placeholders in replacements are substituted by
// their replacements. The parts of the graph not depending on the replaced placeholders are shared with f,
// and f itself is not modified.
//
// Placeholders in replacements that are not part of f are ignored. A placeholder with a known shape can
// only be replaced by a variable of the same shape. Shapes and dynamic axes of the functions downstream of
// the replaced placeholders are inferred again, and it panics with an error wrapping ErrShapeMismatch if
// they become incompatible.
//
// Replacing two disjoint maps one after the other is equivalent to replacing their union at once.
//
// A placeholder can be replaced by the PastValue (or FutureValue) of a variable that depends on the
// placeholder itself: the result is a recurrence, computed one sequence step at a time by Evaluate and
// Forward, and differentiated through time by Backward. The placeholder must have a known shape, and
// a recurrence can't mix PastValue and FutureValue.
func (f *Function) ReplacePlaceholders(replacements *ReplacementMap) *Function {
	substitutes := make(map[*Variable]*Variable, replacements.Len())
	for _, placeholder := range replacements.Placeholders() {
		replacement := replacements.Get(placeholder)
		if !placeholder.IsPlaceholder() {
			panicInvalidArgumentf("ReplacePlaceholders(): %s is not a placeholder", placeholder)
		}
		if !f.Contains(placeholder) {
			klog.V(2).Infof("ReplacePlaceholders(): placeholder %s is not part of %s, ignored", placeholder, f)
			continue
		}
		if !placeholder.shape.IsUnknown() && !placeholder.shape.Equal(replacement.shape) {
			panic(errors.Wrapf(ErrShapeMismatch, "ReplacePlaceholders(): %s replaced by %s with a different shape",
				placeholder, replacement))
		}
		substitutes[placeholder] = replacement
	}
	return f.rebuild(substitutes, false)
}

// ParameterCloningMethod defines how parameters are handled by Function.Clone.
type ParameterCloningMethod int

const (
	// CloneParameters creates new parameters, initialized with a copy of the current values.
	CloneParameters ParameterCloningMethod = iota

	// ShareParameters keeps the same parameters: training one Function changes the other.
	ShareParameters

	// FreezeParameters replaces parameters by constants with their current values.
	FreezeParameters
)

// String implements fmt.Stringer.
func (m ParameterCloningMethod) String() string {
	switch m {
	case CloneParameters:
		return "Clone"
	case ShareParameters:
		return "Share"
	case FreezeParameters:
		return "Freeze"
	}
	return "ParameterCloningMethod(?)"
}

// Clone returns a copy of the graph of f, with new functions. Inputs, constants and placeholders are
// shared with f, and parameters are handled according to method.
func (f *Function) Clone(method ParameterCloningMethod) *Function {
	substitutes := make(map[*Variable]*Variable)
	if method != ShareParameters {
		for _, param := range f.Parameters() {
			options := []VariableOption{WithName(param.name)}
			if method == CloneParameters {
				substitutes[param] = ParameterFromValue(param.Value(), options...)
			} else {
				substitutes[param] = Constant(param.Value(), options...)
			}
		}
	}
	return f.rebuild(substitutes, true)
}

// rebuild creates the graph of f with the given variables substituted. Functions whose inputs are not
// affected are shared, unless all is set. The returned Function is always a new one.
//
// A substitute may depend on the variable it replaces, if the dependency goes through the first operand
// of PastValue or FutureValue: the result is a recurrence.
func (f *Function) rebuild(substitutes map[*Variable]*Variable, all bool) *Function {
	b := &rebuilder{
		substitutes: substitutes,
		all:         all,
		built:       make(map[*Variable]*Variable),
		inProgress:  sets.Make[*Variable](),
	}
	for _, out := range f.outputs {
		b.resolve(out)
	}
	for _, p := range b.pending {
		patchDelayInput(p.fn, b.built[p.x])
	}

	outputs := make([]Operand, len(f.outputs))
	for ii, out := range f.outputs {
		outputs[ii] = b.built[out]
	}
	var result *Function
	switch {
	case f.IsCombine():
		result = Combine(outputs...)
		result.name = f.name
	case b.built[f.outputs[0]] != f.outputs[0]:
		result = b.built[f.outputs[0]].owner
	default:
		inputs := make([]Operand, len(f.inputs))
		for ii, in := range f.inputs {
			inputs[ii] = in
		}
		result = newFunction(f.op, f.attrs.clone(), f.name, inputs...)
	}
	if len(b.pending) > 0 {
		// Validates the recurrences.
		result.getOrder()
	}
	return result
}

// pendingDelay is a delay function built before its first operand, which depends on it.
type pendingDelay struct {
	fn *Function
	x  *Variable
}

type rebuilder struct {
	substitutes map[*Variable]*Variable
	all         bool

	// built maps the variables of the original graph to the ones of the new graph.
	built      map[*Variable]*Variable
	inProgress sets.Set[*Variable]
	pending    []pendingDelay
}

func (b *rebuilder) dependencies(v *Variable) []*Variable {
	if sub, found := b.substitutes[v]; found {
		return []*Variable{sub}
	}
	if v.IsLeaf() {
		return nil
	}
	return v.owner.inputs
}

// resolve builds root and everything it depends on, with an iterative post-order depth-first search.
func (b *rebuilder) resolve(root *Variable) {
	if _, done := b.built[root]; done {
		return
	}
	type frame struct {
		v    *Variable
		deps []*Variable
		next int
	}
	stack := arraystack.New[*frame]()
	push := func(v *Variable) {
		b.inProgress.Insert(v)
		stack.Push(&frame{v: v, deps: b.dependencies(v)})
	}
	push(root)
	for !stack.Empty() {
		top, _ := stack.Peek()
		if top.next < len(top.deps) {
			dep := top.deps[top.next]
			top.next++
			if _, done := b.built[dep]; done {
				continue
			}
			if b.inProgress.Has(dep) {
				_, substituted := b.substitutes[top.v]
				if substituted || top.v.IsLeaf() || !isDelay(top.v.owner) || top.next != 1 {
					panicInvalidArgumentf("replacing placeholders creates a cycle through %s that doesn't go through "+
						"the first operand of PastValue or FutureValue", dep)
				}
				continue
			}
			push(dep)
			continue
		}
		_, _ = stack.Pop()
		b.inProgress.Delete(top.v)
		b.built[top.v] = b.build(top.v)
	}
}

// build returns the new version of v, once all its dependencies were resolved.
func (b *rebuilder) build(v *Variable) *Variable {
	if sub, found := b.substitutes[v]; found {
		return b.built[sub]
	}
	if v.IsLeaf() {
		return v
	}
	fn := v.owner
	changed, pending := b.all, false
	inputs := make([]Operand, len(fn.inputs))
	for ii, in := range fn.inputs {
		newIn, done := b.built[in]
		if !done {
			// First operand of a delay closing a recurrence: the old variable is used until it is built.
			newIn, pending = in, true
		}
		changed = changed || newIn != in
		inputs[ii] = newIn
	}
	if !changed && !pending {
		return v
	}
	newFn := newFunction(fn.op, fn.attrs.clone(), fn.name, inputs...)
	if pending {
		b.pending = append(b.pending, pendingDelay{fn: newFn, x: fn.inputs[0]})
	}
	return newFn.outputs[0]
}

// patchDelayInput sets the first operand of the delay fn, which must have the same shape and dynamic
// axes as the variable used when fn was created.
func patchDelayInput(fn *Function, x *Variable) {
	previous := fn.inputs[0]
	if x.shape.IsUnknown() || !x.shape.Equal(previous.shape) || !slices.Equal(x.dynamicAxes, previous.dynamicAxes) {
		panicShapeMismatchf("%s(): recurrence over %s, expected shape %s%v: the placeholder closing a recurrence "+
			"must have a known shape", fn.op.name, x, previous.shape, previous.dynamicAxes)
	}
	fn.inputs[0] = x
}
