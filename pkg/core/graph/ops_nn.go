// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"

	"github.com/gomlx/symbolic/pkg/core/shapes"
)

// inferSoftmax is the inference of operators normalizing over a static axis or all static axes.
func inferSoftmax(opName string) func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
	reduction := inferReduction(opName, false)
	return func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		_, _ = reduction(inputs, attrs)
		return inputs[0].shape.Clone(), slices.Clone(inputs[0].dynamicAxes)
	}
}

// softmaxForward computes exp(x - logsumexp(x)) over each group of elements.
func softmaxForward(x *tensor, attrs *opAttrs) *tensor {
	lse := reduceForward(x, attrs, reduceLogSum)
	_, _, groups := reductionGroups(x, attrs)
	out := zerosLike(x)
	for ii, o := range groups {
		out.data[ii] = float32(math.Exp(float64(x.data[ii]) - float64(lse.data[o])))
	}
	return out
}

var opSoftmax = registerOp(opDef{
	name:  "Softmax",
	infer: inferSoftmax("Softmax"),
	forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		return softmaxForward(inputs[0], attrs)
	},
	vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
		// gx = y * (g - sum(g * y))
		_, _, groups := reductionGroups(inputs[0], attrs)
		dots := make([]float64, len(output.data))
		for ii, o := range groups {
			dots[o] += float64(grad.data[ii]) * float64(output.data[ii])
		}
		gx := zerosLike(inputs[0])
		for ii, o := range groups {
			gx.data[ii] = output.data[ii] * float32(float64(grad.data[ii])-dots[o])
		}
		return []*tensor{gx}
	},
})

// Softmax normalizes each sample of x over all its static axes: exp(x) / sum(exp(x)).
func Softmax(x Operand) *Function {
	return newFunction(opSoftmax, opAttrs{Axis: shapes.AllStaticAxes()}, "", x)
}

// SoftmaxWithAxis normalizes x over the given static axis.
func SoftmaxWithAxis(x Operand, axis shapes.Axis) *Function {
	return newFunction(opSoftmax, opAttrs{Axis: axis}, "", x)
}

var opHardmax = registerOp(opDef{
	name:  "Hardmax",
	infer: inferSoftmax("Hardmax"),
	forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		x := inputs[0]
		maxes := reduceForward(x, attrs, reduceMax)
		_, _, groups := reductionGroups(x, attrs)
		out := zerosLike(x)
		taken := make([]bool, len(maxes.data))
		for ii, o := range groups {
			if !taken[o] && x.data[ii] == maxes.data[o] {
				out.data[ii] = 1
				taken[o] = true
			}
		}
		return out
	},
	vjp: func(_ *execContext, inputs []*tensor, _, _ *tensor, _ *opAttrs, _ []bool) []*tensor {
		return []*tensor{zerosLike(inputs[0])}
	},
})

// Hardmax returns 1 at the position of the maximum of each sample of x (the first one, on ties),
// and 0 elsewhere. Its gradient is zero.
func Hardmax(x Operand) *Function {
	return newFunction(opHardmax, opAttrs{Axis: shapes.AllStaticAxes()}, "", x)
}

// inferPairPerSample is the inference of operators that compare two operands of the same shape
// and produce a scalar per sample.
func inferPairPerSample(opName string) func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		a, b := inputs[0], inputs[1]
		if !a.shape.Equal(b.shape) {
			panicShapeMismatchf("%s(%s, %s): operands must have the same shape", opName, a, b)
		}
		return shapes.Scalar(), combineDynamicAxes(opName, a, b)
	}
}

// pairSamples returns the layout of the output of a per-sample operator over a and b, and the
// number of samples and elements per sample.
func pairSamples(opName string, a, b *tensor) (*tensor, int, int) {
	layout := mergeLayouts(opName, a, b)
	out := newTensor(shapes.Scalar(), layout)
	return out, layout.NumSamples(), a.sampleSize()
}

var opCrossEntropyWithSoftmax = registerOp(opDef{
	name:  "CrossEntropyWithSoftmax",
	infer: inferPairPerSample("CrossEntropyWithSoftmax"),
	forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
		z, target := inputs[0], inputs[1]
		out, numSamples, _ := pairSamples("CrossEntropyWithSoftmax", z, target)
		for s := range numSamples {
			zs, ts := z.sample(s), target.sample(s)
			lse := logSumExp(zs)
			var loss float64
			for ii := range zs {
				loss += float64(ts[ii]) * (lse - float64(zs[ii]))
			}
			out.data[s] = float32(loss)
		}
		return out
	},
	vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, _ *opAttrs, need []bool) []*tensor {
		z, target := inputs[0], inputs[1]
		grads := []*tensor{zerosLike(z), zerosLike(target)}
		for s := range output.numSamples() {
			zs, ts := z.sample(s), target.sample(s)
			g := float64(grad.data[s])
			lse := logSumExp(zs)
			var sumT float64
			for _, t := range ts {
				sumT += float64(t)
			}
			gz, gt := grads[0].sample(s), grads[1].sample(s)
			for ii := range zs {
				if need[0] {
					softmax := math.Exp(float64(zs[ii]) - lse)
					gz[ii] += float32(g * (softmax*sumT - float64(ts[ii])))
				}
				if need[1] {
					gt[ii] += float32(g * (lse - float64(zs[ii])))
				}
			}
		}
		return grads
	},
})

func logSumExp(x []float32) float64 {
	maxValue := math.Inf(-1)
	for _, v := range x {
		maxValue = max(maxValue, float64(v))
	}
	if math.IsInf(maxValue, 0) {
		return maxValue
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxValue)
	}
	return maxValue + math.Log(sum)
}

// CrossEntropyWithSoftmax returns, for each sample, the cross-entropy between softmax(z) and target:
// -sum(target * log(softmax(z))), computed without materializing the softmax.
// z and target must have the same shape, and the result is a scalar per sample.
func CrossEntropyWithSoftmax(z, target Operand) *Function {
	return newFunction(opCrossEntropyWithSoftmax, opAttrs{}, "", z, target)
}

func argmaxOf(x []float32) int {
	best := 0
	for ii, v := range x {
		if v > x[best] {
			best = ii
		}
	}
	return best
}

var opClassificationError = registerOp(opDef{
	name:  "ClassificationError",
	infer: inferPairPerSample("ClassificationError"),
	forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
		z, target := inputs[0], inputs[1]
		out, numSamples, size := pairSamples("ClassificationError", z, target)
		if size == 0 {
			return out
		}
		for s := range numSamples {
			out.data[s] = float32(boolToFloat(argmaxOf(z.sample(s)) != argmaxOf(target.sample(s))))
		}
		return out
	},
	vjp: func(_ *execContext, inputs []*tensor, _, _ *tensor, _ *opAttrs, _ []bool) []*tensor {
		return []*tensor{zerosLike(inputs[0]), zerosLike(inputs[1])}
	},
})

// ClassificationError returns, for each sample, 1 if the position of the maximum of z differs from
// the position of the maximum of target (typically a one-hot encoded label), and 0 otherwise.
// Its gradient is zero.
func ClassificationError(z, target Operand) *Function {
	return newFunction(opClassificationError, opAttrs{}, "", z, target)
}

// SquaredError returns, for each sample, the sum of the squared differences between a and b.
func SquaredError(a, b Operand) *Function {
	return ReduceSum(Square(Minus(a, b)), shapes.AllStaticAxes())
}

// BinaryCrossEntropy returns, for each sample, -sum(target*log(output) + (1-target)*log(1-output)),
// where output holds probabilities.
func BinaryCrossEntropy(output, target Operand) *Function {
	one := ScalarConstant(1)
	positive := ElementTimes(target, Log(output))
	negative := ElementTimes(Minus(one, target), Log(Minus(one, output)))
	return Negate(ReduceSum(Plus(positive, negative), shapes.AllStaticAxes()))
}

// CosineDistance returns, for each sample, the cosine of the angle between a and b:
// sum(a*b) / (|a| * |b|).
func CosineDistance(a, b Operand) *Function {
	dot := ReduceSum(ElementTimes(a, b), shapes.AllStaticAxes())
	normA := Sqrt(ReduceSum(Square(a), shapes.AllStaticAxes()))
	normB := Sqrt(ReduceSum(Square(b), shapes.AllStaticAxes()))
	return ElementDivide(dot, ElementTimes(normA, normB))
}
