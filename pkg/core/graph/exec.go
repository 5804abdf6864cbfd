// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/internal/workerspool"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// minParallelChunkSize is the minimum number of elements processed by each parallel task of a kernel.
const minParallelChunkSize = 4096

// execContext holds the state of one execution (Evaluate, or a Forward/Backward pair).
// It is never shared between executions.
type execContext struct {
	fn      *Function
	device  device.Descriptor
	workers *workerspool.Pool

	// units executed, in order.
	units []execUnit

	// values of all variables computed or bound during the forward pass.
	values map[*Variable]*tensor

	// training enables operators that behave differently when training, like Dropout.
	training bool

	// draws of the random operators executed, and the current step of a recurrent loop, which
	// select the random streams. See randomStream.
	draws map[*opAttrs]uint64
	step  int
}

// ExecOption configures a call to Function.Evaluate or Function.Forward.
type ExecOption func(ctx *execContext)

// Training executes the function in training mode: operators like Dropout are only active in it.
func Training() ExecOption {
	return func(ctx *execContext) { ctx.training = true }
}

func (ctx *execContext) parallelFor(n int, fn func(start, end int)) {
	ctx.workers.ParallelFor(n, minParallelChunkSize, fn)
}

// Evaluate computes the variables in outputs, given the values of the inputs in arguments, on the device dev.
//
// The outputs DataMap is filled with the computed values: variables mapped to null (or to a value, which
// is replaced) are computed. If outputs is empty, all outputs of f are added to it.
// Outputs can be any variable of the graph of f.
//
// Only Input and SparseInput variables are read from arguments: parameters and constants use their
// current value, snapshotted at the start of the call. A static value bound to an input with the batch
// axis is taken as a batch of one sample. Bindings to variables not used by f are ignored.
//
// It returns an error wrapping ErrUnresolvedPlaceholder, ErrMissingBinding, ErrShapeMismatch or
// ErrDeviceMismatch if the call can't be executed.
func (f *Function) Evaluate(arguments, outputs *DataMap, dev device.Descriptor, options ...ExecOption) error {
	_, err := f.execute("Evaluate", arguments, outputs, dev, nil, options)
	return err
}

// BackPropState holds the values computed by Function.Forward, needed by Function.Backward.
// It can be used only once, and only with the Function that created it.
type BackPropState struct {
	ctx          *execContext
	retained     sets.Set[*Variable]
	needGradient []*Variable
	consumed     atomic.Bool
}

// Function that created the state.
func (s *BackPropState) Function() *Function { return s.ctx.fn }

// Forward is like Evaluate, but it also retains the intermediate values needed to compute, with Backward,
// the gradients of the variables in retain with respect to the variables in needGradient.
//
// Variables in retain are the only ones that can be given a root gradient in Backward. If retain is empty,
// all outputs of f are retained. Variables in needGradient are typically parameters or inputs of f.
//
// The returned BackPropState must be used in at most one call to Backward, of the same Function.
// Evaluate and Forward compute identical outputs for identical inputs and options, except for the
// operators drawing random numbers, which draw new ones on every execution.
func (f *Function) Forward(arguments, outputs *DataMap, dev device.Descriptor, retain, needGradient *VariableSet, options ...ExecOption) (*BackPropState, error) {
	retained := sets.Make[*Variable]()
	if retain.Len() == 0 {
		retained.Insert(f.outputs...)
	} else {
		retained.Insert(retain.Variables()...)
	}
	for v := range retained {
		if !f.Contains(v) {
			return nil, errors.Wrapf(ErrInvalidArgument, "Forward(): retained variable %s is not part of the function", v)
		}
	}
	for _, v := range needGradient.Variables() {
		if !f.Contains(v) {
			return nil, errors.Wrapf(ErrInvalidArgument, "Forward(): variable %s needing gradient is not part of the function", v)
		}
	}
	ctx, err := f.execute("Forward", arguments, outputs, dev, retained, options)
	if err != nil {
		return nil, err
	}
	return &BackPropState{ctx: ctx, retained: retained, needGradient: needGradient.Variables()}, nil
}

// execute runs the forward pass. The returned context holds all the values computed, if extra variables
// to retain are given.
func (f *Function) execute(caller string, arguments, outputs *DataMap, dev device.Descriptor, retained sets.Set[*Variable], options []ExecOption) (*execContext, error) {
	start := time.Now()
	if err := dev.Check(); err != nil {
		return nil, errors.WithMessagef(err, "%s()", caller)
	}
	if placeholders := f.Placeholders(); len(placeholders) > 0 {
		return nil, errors.Wrapf(ErrUnresolvedPlaceholder, "%s(): function still has %d placeholder(s), e.g. %s",
			caller, len(placeholders), placeholders[0])
	}
	if outputs == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s(): outputs DataMap can't be nil", caller)
	}
	if outputs.Len() == 0 {
		for _, v := range f.outputs {
			outputs.AddNull(v)
		}
	}
	requested := outputs.Variables()
	for _, v := range requested {
		if !f.Contains(v) {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s(): output %s is not part of the function", caller, v)
		}
	}
	targets := slices.Clone(requested)
	for _, v := range retained.SortedFunc(compareVariables) {
		if !slices.Contains(targets, v) {
			targets = append(targets, v)
		}
	}

	// Grab the workers pool once: changes to the number of threads only affect later executions.
	ctx := &execContext{
		fn:      f,
		device:  dev,
		workers: device.Workers(),
		values:  make(map[*Variable]*tensor),
		draws:   make(map[*opAttrs]uint64),
	}
	for _, option := range options {
		option(ctx)
	}
	var order *graphOrder
	if err := exceptions.TryCatch[error](func() { order = buildOrder(targets) }); err != nil {
		return nil, errors.WithMessagef(err, "%s()", caller)
	}
	ctx.units = order.units
	if err := ctx.bindLeaves(caller, order.leaves, arguments); err != nil {
		return nil, err
	}
	err := exceptions.TryCatch[error](func() {
		for _, unit := range ctx.units {
			if unit.loop != nil {
				ctx.forwardLoop(unit.loop)
				continue
			}
			fn := unit.fn
			inputs := make([]*tensor, len(fn.inputs))
			for ii, in := range fn.inputs {
				inputs[ii] = ctx.values[in]
			}
			ctx.values[fn.outputs[0]] = fn.op.forward(ctx, inputs, &fn.attrs)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s()", caller)
	}

	var memory uintptr
	for _, v := range requested {
		value, err := ctx.values[v].toValue(dev)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s(): output %s", caller, v)
		}
		memory += value.Memory()
		outputs.Add(v, value)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s(%s): %d operations, %d outputs (%s) in %s", caller, f.OpName(), len(order.functions),
			len(requested), humanize.Bytes(uint64(memory)), time.Since(start))
	}
	if retained == nil {
		ctx.values = nil
	}
	return ctx, nil
}

func compareVariables(a, b *Variable) int {
	switch {
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	}
	return 0
}

// bindLeaves binds the values of the leaves: arguments for inputs, and the current values of
// parameters and constants.
func (ctx *execContext) bindLeaves(caller string, leaves []*Variable, arguments *DataMap) error {
	used := sets.Make[*Variable](len(leaves))
	for _, leaf := range leaves {
		var value *values.Value
		switch {
		case leaf.IsInput():
			if !arguments.Has(leaf) || arguments.Get(leaf) == nil {
				return errors.Wrapf(ErrMissingBinding, "%s(): no value given for %s", caller, leaf)
			}
			value = arguments.Get(leaf)
			used.Insert(leaf)
		case leaf.IsParameter(), leaf.IsConstant():
			value = leaf.Value()
		default:
			return errors.Wrapf(ErrUnresolvedPlaceholder, "%s(): %s", caller, leaf)
		}
		t, err := ctx.bindValue(leaf, value)
		if err != nil {
			return errors.WithMessagef(err, "%s()", caller)
		}
		ctx.values[leaf] = t
	}
	if klog.V(2).Enabled() {
		for _, v := range arguments.Variables() {
			if !used.Has(v) {
				klog.Infof("%s(): ignoring value given for %s, not an input of the graph", caller, v)
			}
		}
	}
	return nil
}

// bindValue checks that the value is compatible with the variable, and converts it to a tensor.
func (ctx *execContext) bindValue(v *Variable, value *values.Value) (*tensor, error) {
	if value.IsFinalized() {
		return nil, errors.Wrapf(ErrInvalidArgument, "value for %s was finalized", v)
	}
	if !value.Device().Equal(ctx.device) {
		return nil, errors.Wrapf(ErrDeviceMismatch, "value for %s is on %s, execution on %s", v, value.Device(), ctx.device)
	}
	if !value.Shape().Equal(v.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "value for %s has shape %s", v, value.Shape())
	}
	t := tensorFromValue(value)
	layoutKind := value.Layout().Kind()
	switch len(v.dynamicAxes) {
	case 0:
		if layoutKind != values.StaticLayout {
			return nil, errors.Wrapf(ErrShapeMismatch, "value for %s has layout %s, but variable has no dynamic axes",
				v, value.Layout())
		}
	case 1:
		switch layoutKind {
		case values.StaticLayout:
			t.layout = values.Batch(1)
		case values.SequencesLayout:
			return nil, errors.Wrapf(ErrShapeMismatch, "value for %s has layout %s, but variable has no sequence axis",
				v, value.Layout())
		}
	default:
		if layoutKind != values.SequencesLayout {
			return nil, errors.Wrapf(ErrShapeMismatch, "value for %s has layout %s, but variable is a sequence",
				v, value.Layout())
		}
	}
	return t, nil
}

// Backward computes the gradients of the variables in variableGradients, given the gradients of the
// retained outputs in rootGradients, using the values retained by the Forward call that returned state.
//
// A root variable mapped to null takes a gradient of ones. If variableGradients is empty, the gradients
// of all variables that needed gradient in Forward are returned. Variables whose gradients can't be
// reached from the roots are left mapped to null.
//
// The state is consumed, and can't be used again: it returns an error wrapping ErrInvalidBackPropState if
// the state was used before, or if it was created by a different Function (in which case it is not consumed).
func (f *Function) Backward(state *BackPropState, rootGradients, variableGradients *DataMap) error {
	if state == nil {
		return errors.Wrapf(ErrInvalidBackPropState, "Backward(): nil state")
	}
	if state.ctx.fn != f {
		return errors.Wrapf(ErrInvalidBackPropState, "Backward(): state was created by a different function (%s)", state.ctx.fn)
	}
	if !state.consumed.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrInvalidBackPropState, "Backward(): state was already used")
	}
	ctx := state.ctx
	defer func() { ctx.values = nil }()

	if rootGradients.Len() == 0 {
		return errors.Wrapf(ErrInvalidArgument, "Backward(): no root gradients given")
	}
	if variableGradients == nil {
		return errors.Wrapf(ErrInvalidArgument, "Backward(): variableGradients DataMap can't be nil")
	}
	needGradient := sets.MakeWith(state.needGradient...)
	if variableGradients.Len() == 0 {
		for _, v := range state.needGradient {
			variableGradients.AddNull(v)
		}
	}
	for _, v := range variableGradients.Variables() {
		if !needGradient.Has(v) {
			return errors.Wrapf(ErrInvalidArgument, "Backward(): gradient requested for %s, which was not marked as needing gradient in Forward()", v)
		}
	}

	grads := make(map[*Variable]*tensor)
	for _, root := range rootGradients.Variables() {
		if !state.retained.Has(root) {
			return errors.Wrapf(ErrInvalidArgument, "Backward(): root %s was not retained in Forward()", root)
		}
		forwardValue := ctx.values[root]
		value := rootGradients.Get(root)
		if value == nil {
			grads[root] = onesLike(forwardValue)
			continue
		}
		g, err := ctx.bindValue(root, value)
		if err != nil {
			return errors.WithMessagef(err, "Backward(): root gradient")
		}
		if !g.layout.Equal(forwardValue.layout) {
			return errors.Wrapf(ErrShapeMismatch, "Backward(): root gradient for %s has layout %s, forward value has %s",
				root, g.layout, forwardValue.layout)
		}
		grads[root] = g
	}

	reach := gradientReach(ctx.units, needGradient)
	err := exceptions.TryCatch[error](func() {
		for _, unit := range slices.Backward(ctx.units) {
			if unit.loop != nil {
				ctx.backwardLoop(unit.loop, grads, reach)
				continue
			}
			fn := unit.fn
			out := fn.outputs[0]
			g := grads[out]
			if g == nil || fn.op.vjp == nil {
				continue
			}
			need := make([]bool, len(fn.inputs))
			anyNeeded := false
			for ii, in := range fn.inputs {
				need[ii] = reach.Has(in)
				anyNeeded = anyNeeded || need[ii]
			}
			if !anyNeeded {
				continue
			}
			inputs := make([]*tensor, len(fn.inputs))
			for ii, in := range fn.inputs {
				inputs[ii] = ctx.values[in]
			}
			inputGrads := fn.op.vjp(ctx, inputs, ctx.values[out], g, &fn.attrs, need)
			for ii, in := range fn.inputs {
				if !need[ii] || inputGrads[ii] == nil {
					continue
				}
				if existing := grads[in]; existing != nil {
					existing.addInPlace(inputGrads[ii])
				} else {
					grads[in] = inputGrads[ii]
				}
			}
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "Backward()")
	}

	for _, v := range variableGradients.Variables() {
		g := grads[v]
		if g == nil {
			variableGradients.AddNull(v)
			continue
		}
		value, err := g.toValue(ctx.device)
		if err != nil {
			return errors.WithMessagef(err, "Backward(): gradient of %s", v)
		}
		variableGradients.Add(v, value)
	}
	klog.V(2).Infof("Backward(%s): %d gradients", f.OpName(), variableGradients.Len())
	return nil
}

// gradientReach returns the variables through which a gradient can flow to the variables in needGradient:
// those variables themselves, and the outputs of differentiable operators with at least one such input.
func gradientReach(units []execUnit, needGradient sets.Set[*Variable]) sets.Set[*Variable] {
	reach := sets.Make[*Variable]()
	for v := range needGradient {
		reach.Insert(v)
	}
	for _, unit := range units {
		// Within a recurrent loop, the reach propagates around the cycle until it is stable.
		for changed := true; changed; {
			changed = false
			for _, fn := range unit.functions() {
				if fn.op.vjp == nil || reach.Has(fn.outputs[0]) {
					continue
				}
				if slices.ContainsFunc(fn.inputs, reach.Has) {
					reach.Insert(fn.outputs[0])
					changed = true
				}
			}
			if unit.loop == nil {
				break
			}
		}
	}
	return reach
}
