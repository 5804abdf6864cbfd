// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"

	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
)

// Reduction modes, resolved from the Axis at graph-building time and stored in opAttrs.Ints[0].
const (
	reduceOverStaticAxis = iota
	reduceOverAllStaticAxes
	reduceOverBatch
	reduceOverSequence
	reduceOverAll
)

// inferReduction resolves the axis of a reduction and returns the output shape and dynamic axes.
func inferReduction(opName string, allowDynamic bool) func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		dynamicAxes := slices.Clone(x.dynamicAxes)
		switch attrs.Axis.Kind {
		case shapes.StaticAxisKind:
			axis := staticAxisAttr(opName, x, attrs)
			attrs.Ints = []int{reduceOverStaticAxis}
			dims := slices.Clone(x.shape.Dimensions)
			dims[axis] = 1
			return shapes.Make(dims...), dynamicAxes
		case shapes.AllStaticAxesKind:
			attrs.Ints = []int{reduceOverAllStaticAxes}
			return shapes.Scalar(), dynamicAxes
		}
		if !allowDynamic {
			panicShapeMismatchf("%s(%s): only static axes are supported, got %s", opName, x, attrs.Axis)
		}
		if attrs.Axis.Kind == shapes.AllAxesKind {
			attrs.Ints = []int{reduceOverAll}
			return shapes.Scalar(), nil
		}
		pos := slices.Index(dynamicAxes, attrs.Axis)
		switch {
		case pos == -1:
			panicShapeMismatchf("%s(%s): variable doesn't have the dynamic axis %s", opName, x, attrs.Axis)
		case len(dynamicAxes) == 1:
			attrs.Ints = []int{reduceOverBatch}
			return x.shape.Clone(), nil
		case pos == 0:
			attrs.Ints = []int{reduceOverSequence}
			return x.shape.Clone(), dynamicAxes[1:]
		}
		panicShapeMismatchf("%s(%s): can't reduce the batch axis of sequences, reduce the sequence axis first", opName, x)
		return shapes.Shape{}, nil
	}
}

// reductionGroups returns the output shape and layout of a reduction of x, and for each element of x
// the index of the output element it is reduced into.
func reductionGroups(x *tensor, attrs *opAttrs) (shapes.Shape, values.Layout, []int) {
	size := x.sampleSize()
	numSamples := x.numSamples()
	groups := make([]int, len(x.data))
	switch attrs.Ints[0] {
	case reduceOverStaticAxis:
		axis := attrs.Axis.Index
		dims := slices.Clone(x.shape.Dimensions)
		outer, inner := blockDims(dims, axis)
		dim := dims[axis]
		dims[axis] = 1
		outSize := outer * inner
		idx := 0
		for s := range numSamples {
			for o := range outer {
				for range dim {
					for j := range inner {
						groups[idx] = s*outSize + o*inner + j
						idx++
					}
				}
			}
		}
		return shapes.Make(dims...), x.layout, groups
	case reduceOverAllStaticAxes:
		for ii := range groups {
			groups[ii] = ii / size
		}
		return shapes.Scalar(), x.layout, groups
	case reduceOverBatch:
		for ii := range groups {
			groups[ii] = ii % size
		}
		return x.shape, values.Static(), groups
	case reduceOverSequence:
		if x.layout.Kind() != values.SequencesLayout {
			panicShapeMismatchf("reduction over the sequence axis of a value with layout %s", x.layout)
		}
		offsets := x.layout.SequenceOffsets()
		for seq := range len(offsets) - 1 {
			for s := offsets[seq]; s < offsets[seq+1]; s++ {
				for j := range size {
					groups[s*size+j] = seq*size + j
				}
			}
		}
		return x.shape, values.Batch(len(offsets) - 1), groups
	}
	// reduceOverAll: groups are all 0.
	return shapes.Scalar(), values.Static(), groups
}

type reducer int

const (
	reduceSum reducer = iota
	reduceMean
	reduceMax
	reduceMin
	reduceLogSum
	reduceProd
)

func reduceForward(x *tensor, attrs *opAttrs, r reducer) *tensor {
	shape, layout, groups := reductionGroups(x, attrs)
	out := newTensor(shape, layout)
	acc := make([]float64, len(out.data))
	switch r {
	case reduceSum, reduceMean:
		counts := make([]int, len(acc))
		for ii, o := range groups {
			acc[o] += float64(x.data[ii])
			counts[o]++
		}
		if r == reduceMean {
			for o := range acc {
				acc[o] /= float64(counts[o])
			}
		}
	case reduceMax, reduceMin:
		initial, better := math.Inf(-1), func(a, b float64) bool { return a > b }
		if r == reduceMin {
			initial, better = math.Inf(1), func(a, b float64) bool { return a < b }
		}
		for o := range acc {
			acc[o] = initial
		}
		for ii, o := range groups {
			if v := float64(x.data[ii]); better(v, acc[o]) {
				acc[o] = v
			}
		}
	case reduceProd:
		for o := range acc {
			acc[o] = 1
		}
		for ii, o := range groups {
			acc[o] *= float64(x.data[ii])
		}
	case reduceLogSum:
		maxes := make([]float64, len(acc))
		for o := range maxes {
			maxes[o] = math.Inf(-1)
		}
		for ii, o := range groups {
			maxes[o] = max(maxes[o], float64(x.data[ii]))
		}
		for ii, o := range groups {
			if !math.IsInf(maxes[o], -1) {
				acc[o] += math.Exp(float64(x.data[ii]) - maxes[o])
			}
		}
		for o := range acc {
			if math.IsInf(maxes[o], -1) {
				acc[o] = maxes[o]
			} else {
				acc[o] = maxes[o] + math.Log(acc[o])
			}
		}
	}
	for o, v := range acc {
		out.data[o] = float32(v)
	}
	return out
}

func reduceVJP(x, output, grad *tensor, attrs *opAttrs, r reducer) *tensor {
	_, _, groups := reductionGroups(x, attrs)
	gx := zerosLike(x)
	switch r {
	case reduceSum:
		for ii, o := range groups {
			gx.data[ii] = grad.data[o]
		}
	case reduceMean:
		counts := make([]int, len(output.data))
		for _, o := range groups {
			counts[o]++
		}
		for ii, o := range groups {
			gx.data[ii] = grad.data[o] / float32(counts[o])
		}
	case reduceMax, reduceMin:
		// The gradient goes to the first element achieving the extreme.
		taken := make([]bool, len(output.data))
		for ii, o := range groups {
			if !taken[o] && x.data[ii] == output.data[o] {
				gx.data[ii] = grad.data[o]
				taken[o] = true
			}
		}
	case reduceLogSum:
		for ii, o := range groups {
			gx.data[ii] = grad.data[o] * float32(math.Exp(float64(x.data[ii])-float64(output.data[o])))
		}
	case reduceProd:
		// The product of the other elements, computed without dividing by zeros.
		zeros := make([]int, len(output.data))
		nonZeroProd := make([]float64, len(output.data))
		for o := range nonZeroProd {
			nonZeroProd[o] = 1
		}
		for ii, o := range groups {
			if x.data[ii] == 0 {
				zeros[o]++
			} else {
				nonZeroProd[o] *= float64(x.data[ii])
			}
		}
		for ii, o := range groups {
			switch {
			case zeros[o] == 0:
				gx.data[ii] = grad.data[o] * float32(nonZeroProd[o]/float64(x.data[ii]))
			case zeros[o] == 1 && x.data[ii] == 0:
				gx.data[ii] = grad.data[o] * float32(nonZeroProd[o])
			}
		}
	}
	return gx
}

func defineReduction(name string, r reducer) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: inferReduction(name, true),
		forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			return reduceForward(inputs[0], attrs, r)
		},
		vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
			return []*tensor{reduceVJP(inputs[0], output, grad, attrs, r)}
		},
	})
}

var (
	opReduceSum    = defineReduction("ReduceSum", reduceSum)
	opReduceMean   = defineReduction("ReduceMean", reduceMean)
	opReduceMax    = defineReduction("ReduceMax", reduceMax)
	opReduceMin    = defineReduction("ReduceMin", reduceMin)
	opReduceLogSum = defineReduction("ReduceLogSum", reduceLogSum)
	opReduceProd   = defineReduction("ReduceProd", reduceProd)
)

// ReduceSum sums x over the given axis:
//
//   - a static axis is collapsed to dimension 1;
//   - shapes.AllStaticAxes() reduces each sample to a scalar;
//   - the batch axis sums all samples, into a value without dynamic axes;
//   - the sequence axis sums the samples of each sequence, into a batch with one sample per sequence;
//   - shapes.AllAxes() sums everything into a scalar without dynamic axes.
func ReduceSum(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceSum, opAttrs{Axis: axis}, "", x)
}

// ReduceSumAll sums all elements of all samples of x into a scalar.
func ReduceSumAll(x Operand) *Function { return ReduceSum(x, shapes.AllAxes()) }

// ReduceMean averages x over the given axis. See ReduceSum for the semantics of the axis.
func ReduceMean(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceMean, opAttrs{Axis: axis}, "", x)
}

// ReduceMax returns the maximum of x over the given axis. See ReduceSum for the semantics of the axis.
func ReduceMax(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceMax, opAttrs{Axis: axis}, "", x)
}

// ReduceMin returns the minimum of x over the given axis. See ReduceSum for the semantics of the axis.
func ReduceMin(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceMin, opAttrs{Axis: axis}, "", x)
}

// ReduceLogSum returns log(sum(exp(x))) over the given axis, computed in a numerically stable way.
func ReduceLogSum(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceLogSum, opAttrs{Axis: axis}, "", x)
}

// ReduceProd multiplies the elements of x over the given axis. See ReduceSum for the semantics of the axis.
func ReduceProd(x Operand, axis shapes.Axis) *Function {
	return newFunction(opReduceProd, opAttrs{Axis: axis}, "", x)
}

func argReduceForward(x *tensor, attrs *opAttrs, better func(a, b float32) bool) *tensor {
	shape, layout, groups := reductionGroups(x, attrs)
	out := newTensor(shape, layout)
	best := make([]float32, len(out.data))
	seen := make([]int, len(out.data))
	for ii, o := range groups {
		if seen[o] == 0 || better(x.data[ii], best[o]) {
			best[o] = x.data[ii]
			out.data[o] = float32(seen[o])
		}
		seen[o]++
	}
	return out
}

var (
	opArgmax = registerOp(opDef{
		name:  "Argmax",
		infer: inferReduction("Argmax", false),
		forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			return argReduceForward(inputs[0], attrs, func(a, b float32) bool { return a > b })
		},
	})
	opArgmin = registerOp(opDef{
		name:  "Argmin",
		infer: inferReduction("Argmin", false),
		forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			return argReduceForward(inputs[0], attrs, func(a, b float32) bool { return a < b })
		},
	})
)

// Argmax returns the index of the maximum of x along a static axis, which is collapsed to dimension 1.
// With shapes.AllStaticAxes() it returns the flat index within each sample. Ties resolve to the
// first index. No gradient flows through it.
func Argmax(x Operand, axis shapes.Axis) *Function {
	return newFunction(opArgmax, opAttrs{Axis: axis}, "", x)
}

// Argmin returns the index of the minimum of x along a static axis. See Argmax.
func Argmin(x Operand, axis shapes.Axis) *Function {
	return newFunction(opArgmin, opAttrs{Axis: axis}, "", x)
}
