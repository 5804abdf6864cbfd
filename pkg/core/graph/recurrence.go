// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/emirpasic/gods/v2/stacks/arraystack"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/support/sets"
)

// Recurrences are created by replacing a placeholder with the PastValue (or FutureValue) of a variable
// that depends on the placeholder itself. The graph then has cycles, and every cycle goes through the
// first operand of a delay operator: the graph is acyclic if those edges are ignored.
//
// The functions of each cycle are grouped in a recurrentLoop, executed one sequence step at a time.

func isDelay(fn *Function) bool { return fn.op == opPastValue || fn.op == opFutureValue }

// recurrentLoop is a strongly connected set of functions of a graph.
type recurrentLoop struct {
	// functions in the order they are computed within a step. Delays read their first operand from
	// other steps, so within a step they don't depend on other functions of the loop.
	functions []*Function
	members   sets.Set[*Function]

	// future is set for loops closed by FutureValue: they run from the last step of each sequence to the first.
	future bool
}

// execUnit is the unit of scheduling of the executor: either a single function, or a whole recurrent loop.
type execUnit struct {
	fn   *Function
	loop *recurrentLoop
}

func (u execUnit) functions() []*Function {
	if u.loop != nil {
		return u.loop.functions
	}
	return []*Function{u.fn}
}

// reachable returns the functions reachable from start following next. start itself is only
// included if it is part of a cycle.
func reachable(start *Function, next func(fn *Function) []*Function) sets.Set[*Function] {
	seen := sets.Make[*Function]()
	stack := arraystack.New[*Function]()
	for _, fn := range next(start) {
		stack.Push(fn)
	}
	for !stack.Empty() {
		fn, _ := stack.Pop()
		if seen.Has(fn) {
			continue
		}
		seen.Insert(fn)
		for _, n := range next(fn) {
			if !seen.Has(n) {
				stack.Push(n)
			}
		}
	}
	return seen
}

func producers(fn *Function) []*Function {
	var deps []*Function
	for _, in := range fn.inputs {
		if !in.IsLeaf() {
			deps = append(deps, in.owner)
		}
	}
	return deps
}

// findLoops groups the functions that are part of cycles into recurrent loops. It panics if a loop
// can't be executed step by step.
func findLoops(functions []*Function) map[*Function]*recurrentLoop {
	consumers := make(map[*Function][]*Function)
	for _, fn := range functions {
		for _, dep := range producers(fn) {
			consumers[dep] = append(consumers[dep], fn)
		}
	}
	loops := make(map[*Function]*recurrentLoop)
	for _, delayFn := range functions {
		if !isDelay(delayFn) || loops[delayFn] != nil {
			continue
		}
		ancestors := reachable(delayFn, producers)
		if !ancestors.Has(delayFn) {
			continue
		}
		descendants := reachable(delayFn, func(fn *Function) []*Function { return consumers[fn] })
		loop := &recurrentLoop{members: sets.Make[*Function](), future: delayFn.op == opFutureValue}
		var members []*Function
		for _, fn := range functions {
			if ancestors.Has(fn) && descendants.Has(fn) {
				loop.members.Insert(fn)
				members = append(members, fn)
			}
		}
		loop.sortFunctions(members)
		for _, fn := range members {
			loops[fn] = loop
		}
	}
	return loops
}

// sortFunctions validates the loop and sets the order of its functions within a step.
func (loop *recurrentLoop) sortFunctions(members []*Function) {
	for _, fn := range members {
		out := fn.outputs[0]
		if len(out.dynamicAxes) != 2 {
			panicShapeMismatchf("recurrence through %s: every variable of a recurrence must be a sequence", out)
		}
		if !isDelay(fn) {
			continue
		}
		if (fn.op == opFutureValue) != loop.future {
			panicInvalidArgumentf("recurrence through %s mixes PastValue and FutureValue", out)
		}
		if initial := fn.inputs[1]; !initial.IsLeaf() && loop.members.Has(initial.owner) {
			panicInvalidArgumentf("recurrence through the initial value of %s", out)
		}
	}
	done := sets.Make[*Function](len(members))
	inProgress := sets.Make[*Function]()
	var visit func(fn *Function)
	visit = func(fn *Function) {
		if done.Has(fn) {
			return
		}
		if inProgress.Has(fn) {
			panicInvalidArgumentf("recurrence through %s doesn't go through PastValue or FutureValue", fn.outputs[0])
		}
		inProgress.Insert(fn)
		if !isDelay(fn) {
			for _, dep := range producers(fn) {
				if loop.members.Has(dep) {
					visit(dep)
				}
			}
		}
		done.Insert(fn)
		loop.functions = append(loop.functions, fn)
	}
	for _, fn := range members {
		visit(fn)
	}
}

// scheduleUnits returns the execution units of the given functions in topological order.
func scheduleUnits(functions []*Function, loops map[*Function]*recurrentLoop) []execUnit {
	units := make([]execUnit, 0, len(functions))
	if len(loops) == 0 {
		for _, fn := range functions {
			units = append(units, execUnit{fn: fn})
		}
		return units
	}
	unitOf := func(fn *Function) execUnit {
		if loop := loops[fn]; loop != nil {
			return execUnit{loop: loop}
		}
		return execUnit{fn: fn}
	}
	dependencies := func(u execUnit) []execUnit {
		var deps []execUnit
		for _, fn := range u.functions() {
			for _, dep := range producers(fn) {
				if depUnit := unitOf(dep); depUnit != u {
					deps = append(deps, depUnit)
				}
			}
		}
		return deps
	}
	type frame struct {
		unit execUnit
		deps []execUnit
		next int
	}
	visited := make(map[execUnit]bool)
	stack := arraystack.New[*frame]()
	for _, fn := range functions {
		root := unitOf(fn)
		if visited[root] {
			continue
		}
		visited[root] = true
		stack.Push(&frame{unit: root, deps: dependencies(root)})
		for !stack.Empty() {
			top, _ := stack.Peek()
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++
				if !visited[dep] {
					visited[dep] = true
					stack.Push(&frame{unit: dep, deps: dependencies(dep)})
				}
				continue
			}
			_, _ = stack.Pop()
			units = append(units, top.unit)
		}
	}
	return units
}

// loopDelay holds, for a delay of a loop, the sample each sample copies (see delaySource) and the
// initial value broadcast to a sample.
type loopDelay struct {
	sources []int
	initial []float32
}

// loopLayout returns the sequences layout shared by the operands of the loop coming from outside of it.
func (ctx *execContext) loopLayout(loop *recurrentLoop) values.Layout {
	var layout values.Layout
	found := false
	for _, fn := range loop.functions {
		if isDelay(fn) {
			continue
		}
		for _, in := range fn.inputs {
			if !in.IsLeaf() && loop.members.Has(in.owner) {
				continue
			}
			t := ctx.values[in]
			if t.isStatic() {
				continue
			}
			if t.layout.Kind() != values.SequencesLayout || (found && !layout.Equal(t.layout)) {
				panicShapeMismatchf("recurrence through %s: operand %s has layout %s", fn.outputs[0], in, t.layout)
			}
			layout, found = t.layout, true
		}
	}
	if !found {
		panicShapeMismatchf("recurrence through %s has no operand with sequences", loop.functions[0].outputs[0])
	}
	return layout
}

func (ctx *execContext) loopDelays(loop *recurrentLoop) map[*Function]*loopDelay {
	delays := make(map[*Function]*loopDelay)
	for _, fn := range loop.functions {
		if !isDelay(fn) {
			continue
		}
		x, initial := ctx.values[fn.inputs[0]], ctx.values[fn.inputs[1]]
		offset := fn.attrs.Ints[0]
		if fn.op == opFutureValue {
			offset = -offset
		}
		delays[fn] = &loopDelay{
			sources: delaySource(fn.op.name, x, offset),
			initial: gather(initial.sample(0), broadcastIndices(1, initial.shape, 1, x.shape)),
		}
	}
	return delays
}

// loopSteps returns, for each step of a loop in execution order, the indices of the samples computed in it:
// step t computes position t of every sequence long enough.
func loopSteps(layout values.Layout, future bool) [][]int {
	offsets := layout.SequenceOffsets()
	lengths := layout.SequenceLengths()
	maxLen := 0
	for _, length := range lengths {
		maxLen = max(maxLen, length)
	}
	steps := make([][]int, maxLen)
	for pos := range maxLen {
		for seq, length := range lengths {
			if pos < length {
				steps[pos] = append(steps[pos], offsets[seq]+pos)
			}
		}
	}
	if future {
		slices.Reverse(steps)
	}
	return steps
}

// stepSlice returns the samples of t at the given indices, as a batch. Static tensors are returned as is.
func stepSlice(t *tensor, indices []int) *tensor {
	if t.isStatic() {
		return t
	}
	out := newTensor(t.shape, values.Batch(len(indices)))
	for j, idx := range indices {
		copy(out.sample(j), t.sample(idx))
	}
	return out
}

func addTo(dst, src []float32) {
	for ii, v := range src {
		dst[ii] += v
	}
}

// forwardLoop computes the functions of a recurrent loop, one step at a time.
func (ctx *execContext) forwardLoop(loop *recurrentLoop) {
	layout := ctx.loopLayout(loop)
	for _, fn := range loop.functions {
		out := fn.outputs[0]
		ctx.values[out] = newTensor(out.shape, layout)
	}
	delays := ctx.loopDelays(loop)
	defer func() { ctx.step = 0 }()
	for step, indices := range loopSteps(layout, loop.future) {
		ctx.step = step + 1
		for _, fn := range loop.functions {
			full := ctx.values[fn.outputs[0]]
			if d := delays[fn]; d != nil {
				x := ctx.values[fn.inputs[0]]
				for _, idx := range indices {
					if src := d.sources[idx]; src >= 0 {
						copy(full.sample(idx), x.sample(src))
					} else {
						copy(full.sample(idx), d.initial)
					}
				}
				continue
			}
			inputs := make([]*tensor, len(fn.inputs))
			for ii, in := range fn.inputs {
				inputs[ii] = stepSlice(ctx.values[in], indices)
			}
			stepOut := fn.op.forward(ctx, inputs, &fn.attrs)
			for j, idx := range indices {
				copy(full.sample(idx), stepOut.sample(j))
			}
		}
	}
}

// accumulateStepGradient adds the gradient of v computed for the samples of one step.
func accumulateStepGradient(grads map[*Variable]*tensor, v *Variable, value, stepGrad *tensor, indices []int) {
	if value.isStatic() {
		// The gradient is already summed over the samples of the step.
		if existing := grads[v]; existing != nil {
			existing.addInPlace(stepGrad)
		} else {
			grads[v] = stepGrad.withData(slices.Clone(stepGrad.data))
		}
		return
	}
	full := grads[v]
	if full == nil {
		full = zerosLike(value)
		grads[v] = full
	}
	for j, idx := range indices {
		addTo(full.sample(idx), stepGrad.sample(j))
	}
}

// backwardLoop propagates the gradients through a recurrent loop, from the last step executed to the first.
func (ctx *execContext) backwardLoop(loop *recurrentLoop, grads map[*Variable]*tensor, reach sets.Set[*Variable]) {
	if !slices.ContainsFunc(loop.functions, func(fn *Function) bool { return grads[fn.outputs[0]] != nil }) {
		return
	}
	for _, fn := range loop.functions {
		out := fn.outputs[0]
		if grads[out] == nil {
			grads[out] = zerosLike(ctx.values[out])
		}
	}
	layout := ctx.values[loop.functions[0].outputs[0]].layout
	delays := ctx.loopDelays(loop)
	initialGrads := make(map[*Function][]float32)
	defer func() { ctx.step = 0 }()
	for step, indices := range slices.Backward(loopSteps(layout, loop.future)) {
		ctx.step = step + 1
		for _, fn := range slices.Backward(loop.functions) {
			out := fn.outputs[0]
			if !reach.Has(out) {
				continue
			}
			g := grads[out]
			if d := delays[fn]; d != nil {
				x, initial := fn.inputs[0], fn.inputs[1]
				for _, idx := range indices {
					src := d.sources[idx]
					switch {
					case src >= 0 && reach.Has(x):
						addTo(grads[x].sample(src), g.sample(idx))
					case src < 0 && reach.Has(initial):
						if initialGrads[fn] == nil {
							initialGrads[fn] = make([]float32, len(d.initial))
						}
						addTo(initialGrads[fn], g.sample(idx))
					}
				}
				continue
			}
			if fn.op.vjp == nil {
				continue
			}
			need := make([]bool, len(fn.inputs))
			for ii, in := range fn.inputs {
				need[ii] = reach.Has(in)
			}
			inputs := make([]*tensor, len(fn.inputs))
			for ii, in := range fn.inputs {
				inputs[ii] = stepSlice(ctx.values[in], indices)
			}
			inputGrads := fn.op.vjp(ctx, inputs, stepSlice(ctx.values[out], indices), stepSlice(g, indices), &fn.attrs, need)
			for ii, in := range fn.inputs {
				if need[ii] && inputGrads[ii] != nil {
					accumulateStepGradient(grads, in, ctx.values[in], inputGrads[ii], indices)
				}
			}
		}
	}
	for _, fn := range loop.functions {
		acc := initialGrads[fn]
		if acc == nil {
			continue
		}
		x, initial := ctx.values[fn.inputs[0]], ctx.values[fn.inputs[1]]
		indices := broadcastIndices(1, initial.shape, 1, x.shape)
		gInitial := initial.withData(scatterAdd(acc, indices, len(initial.data)))
		if existing := grads[fn.inputs[1]]; existing != nil {
			existing.addInPlace(gInitial)
		} else {
			grads[fn.inputs[1]] = gInitial
		}
	}
}
