// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
)

func assertSequence(opName string, x *Variable) {
	if len(x.dynamicAxes) != 2 {
		panicShapeMismatchf("%s(%s): requires a sequence (sequence and batch dynamic axes)", opName, x)
	}
}

func sequenceOffsets(opName string, x *tensor) []int {
	if x.layout.Kind() != values.SequencesLayout {
		panicShapeMismatchf("%s(): requires a value with sequences, got layout %s", opName, x.layout)
	}
	return x.layout.SequenceOffsets()
}

// delayInfer is the inference of PastValue and FutureValue: the initial value must broadcast to a sample of x.
func delayInfer(opName string) func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x, initial := inputs[0], inputs[1]
		assertSequence(opName, x)
		if len(initial.dynamicAxes) != 0 {
			panicShapeMismatchf("%s(%s, initial=%s): initial value can't have dynamic axes", opName, x, initial)
		}
		if !initial.shape.CanBroadcastTo(x.shape) {
			panicShapeMismatchf("%s(%s, initial=%s): initial value can't be broadcast to a sample", opName, x, initial)
		}
		if attrs.Ints[0] < 1 {
			panicShapeMismatchf("%s(%s): offset must be >= 1, got %d", opName, x, attrs.Ints[0])
		}
		return x.shape.Clone(), slices.Clone(x.dynamicAxes)
	}
}

// delaySource returns, for each sample of x, the index of the sample it copies, or -1 if it takes
// the initial value. The delay is positive for PastValue and negative for FutureValue.
func delaySource(opName string, x *tensor, delay int) []int {
	offsets := sequenceOffsets(opName, x)
	sources := make([]int, x.numSamples())
	for seq := range len(offsets) - 1 {
		start, end := offsets[seq], offsets[seq+1]
		for s := start; s < end; s++ {
			src := s - delay
			if src < start || src >= end {
				src = -1
			}
			sources[s] = src
		}
	}
	return sources
}

func defineDelay(name string, sign int) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: delayInfer(name),
		forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			x, initial := inputs[0], inputs[1]
			sources := delaySource(name, x, sign*attrs.Ints[0])
			initialSample := gather(initial.sample(0), broadcastIndices(1, initial.shape, 1, x.shape))
			out := zerosLike(x)
			for s, src := range sources {
				if src < 0 {
					copy(out.sample(s), initialSample)
				} else {
					copy(out.sample(s), x.sample(src))
				}
			}
			return out
		},
		vjp: func(_ *execContext, inputs []*tensor, _, grad *tensor, attrs *opAttrs, need []bool) []*tensor {
			x, initial := inputs[0], inputs[1]
			sources := delaySource(name, x, sign*attrs.Ints[0])
			size := x.sampleSize()
			gx := zerosLike(x)
			initialGrad := make([]float32, size)
			for s, src := range sources {
				g := grad.data[s*size : (s+1)*size]
				dst := initialGrad
				if src >= 0 {
					dst = gx.sample(src)
				}
				for ii, v := range g {
					dst[ii] += v
				}
			}
			grads := make([]*tensor, 2)
			if need[0] {
				grads[0] = gx
			}
			if need[1] {
				indices := broadcastIndices(1, initial.shape, 1, x.shape)
				grads[1] = initial.withData(scatterAdd(initialGrad, indices, len(initial.data)))
			}
			return grads
		},
	})
}

var (
	opPastValue   = defineDelay("PastValue", 1)
	opFutureValue = defineDelay("FutureValue", -1)
)

func delay(op *opDef, x Operand, offset int, initial Operand) *Function {
	if initial == nil {
		initial = ScalarConstant(0)
	}
	return newFunction(op, opAttrs{Ints: []int{offset}}, "", x, initial)
}

// PastValue returns, for each step t of each sequence of x, the value of step t-offset of the same
// sequence. The first offset steps take the initial value, which must broadcast to the sample shape.
// A nil initial value means 0.
func PastValue(x Operand, offset int, initial Operand) *Function {
	return delay(opPastValue, x, offset, initial)
}

// FutureValue returns, for each step t of each sequence of x, the value of step t+offset of the same
// sequence. The last offset steps take the initial value. A nil initial value means 0.
func FutureValue(x Operand, offset int, initial Operand) *Function {
	return delay(opFutureValue, x, offset, initial)
}

// selectInfer is the inference of First and Last: a sequence is reduced to a batch.
func selectInfer(opName string) func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		assertSequence(opName, x)
		return x.shape.Clone(), slices.Clone(x.dynamicAxes[1:])
	}
}

// selectedSamples returns the index of the first or last sample of each sequence. It panics on empty sequences.
func selectedSamples(opName string, x *tensor, last bool) []int {
	offsets := sequenceOffsets(opName, x)
	selected := make([]int, len(offsets)-1)
	for seq := range selected {
		start, end := offsets[seq], offsets[seq+1]
		if start == end {
			panicShapeMismatchf("%s(): sequence #%d is empty", opName, seq)
		}
		selected[seq] = start
		if last {
			selected[seq] = end - 1
		}
	}
	return selected
}

func defineSelect(name string, last bool) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: selectInfer(name),
		forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
			x := inputs[0]
			selected := selectedSamples(name, x, last)
			out := newTensor(x.shape, values.Batch(len(selected)))
			for ii, s := range selected {
				copy(out.sample(ii), x.sample(s))
			}
			return out
		},
		vjp: func(_ *execContext, inputs []*tensor, _, grad *tensor, _ *opAttrs, _ []bool) []*tensor {
			x := inputs[0]
			selected := selectedSamples(name, x, last)
			gx := zerosLike(x)
			for ii, s := range selected {
				copy(gx.sample(s), grad.sample(ii))
			}
			return []*tensor{gx}
		},
	})
}

var (
	opFirst = defineSelect("First", false)
	opLast  = defineSelect("Last", true)
)

// First returns the first step of each sequence of x, as a batch with one sample per sequence.
// Executing it over an empty sequence fails with ErrShapeMismatch.
func First(x Operand) *Function { return newFunction(opFirst, opAttrs{}, "", x) }

// Last returns the last step of each sequence of x, as a batch with one sample per sequence.
func Last(x Operand) *Function { return newFunction(opLast, opAttrs{}, "", x) }
