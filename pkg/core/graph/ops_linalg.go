// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// timesDims returns the dimensions of the matrices multiplied by Times: a is seen as [m, k] and b as [k, n].
func timesDims(a, b shapes.Shape) (m, k, n int) {
	m = shapes.Make(a.Dimensions[:a.Rank()-1]...).TotalSize()
	k = b.Dimensions[0]
	n = shapes.Make(b.Dimensions[1:]...).TotalSize()
	return
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha * op(a) * op(b) + beta * c, where op(x) transposes x if the corresponding flag
// is set. a, b and c are given by their dimensions after op() is applied. Empty matrices are handled.
func gemm(transA, transB bool, m, k, n int, a, b []float32, beta float32, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		if beta == 0 {
			clear(c[:m*n])
		}
		return
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	matA, matB := general(a, m, k), general(b, k, n)
	if transA {
		tA, matA = blas.Trans, general(a, k, m)
	}
	if transB {
		tB, matB = blas.Trans, general(b, n, k)
	}
	blas32.Gemm(tA, tB, 1, matA, matB, beta, general(c, m, n))
}

var opTimes = registerOp(opDef{
	name: "Times",
	infer: func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		a, b := inputs[0], inputs[1]
		if a.shape.Rank() == 0 || b.shape.Rank() == 0 {
			panicShapeMismatchf("Times(%s, %s): operands must have rank >= 1", a, b)
		}
		if a.shape.Dim(-1) != b.shape.Dim(0) {
			panicShapeMismatchf("Times(%s, %s): last axis of the first operand (%d) doesn't match the first axis of the second (%d)",
				a, b, a.shape.Dim(-1), b.shape.Dim(0))
		}
		shape := shapes.Make(a.shape.Dimensions[:a.shape.Rank()-1]...).AppendShape(shapes.Make(b.shape.Dimensions[1:]...))
		return shape, combineDynamicAxes("Times", a, b)
	},
	forward: timesForward,
	vjp:     timesVJP,
})

func timesForward(ctx *execContext, inputs []*tensor, _ *opAttrs) *tensor {
	a, b := inputs[0], inputs[1]
	layout := mergeLayouts("Times", a, b)
	shape := shapes.Make(a.shape.Dimensions[:a.shape.Rank()-1]...).AppendShape(shapes.Make(b.shape.Dimensions[1:]...))
	out := newTensor(shape, layout)
	m, k, n := timesDims(a.shape, b.shape)
	numSamples := layout.NumSamples()
	if a.isStatic() && !b.isStatic() && n == 1 {
		// All samples of b in one matrix multiplication: out[S, m] = b[S, k] x a[m, k]^T.
		gemm(false, true, numSamples, k, m, b.data, a.data, 0, out.data)
		return out
	}
	ctx.parallelFor(numSamples, func(start, end int) {
		for s := start; s < end; s++ {
			gemm(false, false, m, k, n, a.sample(s), b.sample(s), 0, out.data[s*m*n:(s+1)*m*n])
		}
	})
	return out
}

func timesVJP(ctx *execContext, inputs []*tensor, output, grad *tensor, _ *opAttrs, need []bool) []*tensor {
	a, b := inputs[0], inputs[1]
	m, k, n := timesDims(a.shape, b.shape)
	numSamples := output.numSamples()
	grads := make([]*tensor, 2)
	if a.isStatic() && !b.isStatic() && n == 1 {
		if need[0] {
			// ga[m, k] = grad[S, m]^T x b[S, k]
			grads[0] = zerosLike(a)
			gemm(true, false, m, numSamples, k, grad.data, b.data, 0, grads[0].data)
		}
		if need[1] {
			// gb[S, k] = grad[S, m] x a[m, k]
			grads[1] = zerosLike(b)
			gemm(false, false, numSamples, m, k, grad.data, a.data, 0, grads[1].data)
		}
		return grads
	}
	gradSample := func(s int) []float32 { return grad.data[s*m*n : (s+1)*m*n] }
	if need[0] {
		// ga[m, k] = grad[m, n] x b[k, n]^T, summed over samples if a is static.
		ga := zerosLike(a)
		if a.isStatic() {
			for s := range numSamples {
				gemm(false, true, m, n, k, gradSample(s), b.sample(s), 1, ga.data)
			}
		} else {
			ctx.parallelFor(numSamples, func(start, end int) {
				for s := start; s < end; s++ {
					gemm(false, true, m, n, k, gradSample(s), b.sample(s), 0, ga.sample(s))
				}
			})
		}
		grads[0] = ga
	}
	if need[1] {
		// gb[k, n] = a[m, k]^T x grad[m, n], summed over samples if b is static.
		gb := zerosLike(b)
		if b.isStatic() {
			for s := range numSamples {
				gemm(true, false, k, m, n, a.sample(s), gradSample(s), 1, gb.data)
			}
		} else {
			ctx.parallelFor(numSamples, func(start, end int) {
				for s := start; s < end; s++ {
					gemm(true, false, k, m, n, a.sample(s), gradSample(s), 0, gb.sample(s))
				}
			})
		}
		grads[1] = gb
	}
	return grads
}

// Times is the generalized matrix product: it contracts the last axis of a with the first axis of b.
// The output shape is a.Shape[:-1] followed by b.Shape[1:].
//
// For a parameter W of shape [out, in] and an input x of shape [in], Times(W, x) has shape [out].
func Times(a, b Operand) *Function {
	return newFunction(opTimes, opAttrs{}, "", a, b)
}

// TransposeTimes contracts the first axis of a with the first axis of b. It is Times(Transpose(a), b),
// and requires a of rank 1 or 2.
func TransposeTimes(a, b Operand) *Function {
	return Times(Transpose(a), b)
}
