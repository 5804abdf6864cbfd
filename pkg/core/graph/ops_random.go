// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/gomlx/symbolic/pkg/ml/initializers"
)

// randomDraws numbers the executions of random operators, process-wide.
var randomDraws atomic.Uint64

// randomStream returns the random numbers of the operator with the given attributes, whose seed is
// attrs.Ints[0]. Within one execution, and one step of a recurrent loop, an operator always gets the
// same numbers: the backward pass of Dropout uses that to recover its mask.
func (ctx *execContext) randomStream(attrs *opAttrs) *rand.Rand {
	if ctx.draws == nil {
		ctx.draws = make(map[*opAttrs]uint64)
	}
	draw, found := ctx.draws[attrs]
	if !found {
		draw = randomDraws.Add(1)
		ctx.draws[attrs] = draw
	}
	seed := uint64(attrs.Ints[0]) + uint64(ctx.step)*0x9e3779b97f4a7c15
	return rand.New(rand.NewPCG(seed, draw))
}

// openUnitFloat returns a uniform number in (0, 1).
func openUnitFloat(r *rand.Rand) float64 {
	for {
		if u := r.Float64(); u > 0 {
			return u
		}
	}
}

// defineRandomLike defines an operator that returns random numbers with the shape and dynamic axes of
// its operand, drawn by sample with the parameters in attrs.Floats. No gradient flows through it.
func defineRandomLike(name string, sample func(r *rand.Rand, params []float64) float64) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: inferSame,
		forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			out := zerosLike(inputs[0])
			r := ctx.randomStream(attrs)
			for ii := range out.data {
				out.data[ii] = float32(sample(r, attrs.Floats))
			}
			return out
		},
	})
}

var (
	opNormalRandomLike = defineRandomLike("NormalRandomLike", func(r *rand.Rand, params []float64) float64 {
		return params[0] + params[1]*r.NormFloat64()
	})
	opUniformRandomLike = defineRandomLike("UniformRandomLike", func(r *rand.Rand, params []float64) float64 {
		return params[0] + (params[1]-params[0])*r.Float64()
	})
	opBernoulliRandomLike = defineRandomLike("BernoulliRandomLike", func(r *rand.Rand, params []float64) float64 {
		if r.Float64() < params[0] {
			return 1
		}
		return 0
	})
	opGumbelRandomLike = defineRandomLike("GumbelRandomLike", func(r *rand.Rand, params []float64) float64 {
		return params[0] - params[1]*math.Log(-math.Log(openUnitFloat(r)))
	})
)

func randomAttrs(params ...float64) opAttrs {
	return opAttrs{Ints: []int{int(initializers.NextSeed())}, Floats: params}
}

// NormalRandomLike returns normally distributed random numbers with the given mean and standard
// deviation scale, with the shape and dynamic axes of x. Only the shape and layout of x are used.
//
// New numbers are drawn on every execution. Seeds come from initializers.NextSeed, so a program
// building its graph and executing it in the same order draws the same numbers.
func NormalRandomLike(x Operand, mean, scale float64) *Function {
	if scale < 0 {
		panicInvalidArgumentf("NormalRandomLike(): scale must be >= 0, got %g", scale)
	}
	return newFunction(opNormalRandomLike, randomAttrs(mean, scale), "", x)
}

// UniformRandomLike returns random numbers uniformly distributed in [low, high), with the shape and
// dynamic axes of x. See NormalRandomLike.
func UniformRandomLike(x Operand, low, high float64) *Function {
	if high < low {
		panicInvalidArgumentf("UniformRandomLike(): high (%g) must be >= low (%g)", high, low)
	}
	return newFunction(opUniformRandomLike, randomAttrs(low, high), "", x)
}

// BernoulliRandomLike returns random numbers that are 1 with probability mean and 0 otherwise, with the
// shape and dynamic axes of x. See NormalRandomLike.
func BernoulliRandomLike(x Operand, mean float64) *Function {
	if mean < 0 || mean > 1 {
		panicInvalidArgumentf("BernoulliRandomLike(): mean must be in [0, 1], got %g", mean)
	}
	return newFunction(opBernoulliRandomLike, randomAttrs(mean), "", x)
}

// GumbelRandomLike returns random numbers from a Gumbel distribution with the given location and scale,
// with the shape and dynamic axes of x. See NormalRandomLike.
func GumbelRandomLike(x Operand, loc, scale float64) *Function {
	if scale < 0 {
		panicInvalidArgumentf("GumbelRandomLike(): scale must be >= 0, got %g", scale)
	}
	return newFunction(opGumbelRandomLike, randomAttrs(loc, scale), "", x)
}

// dropoutMask calls fn(ii, scale) for each element kept by the dropout, where scale is 1/(1-rate).
// Elements are dropped with probability rate, in the order of the random stream.
func dropoutMask(ctx *execContext, attrs *opAttrs, size int, fn func(ii int, scale float32)) {
	rate := attrs.Floats[0]
	scale := float32(1 / (1 - rate))
	r := ctx.randomStream(attrs)
	for ii := range size {
		if r.Float64() >= rate {
			fn(ii, scale)
		}
	}
}

var opDropout = registerOp(opDef{
	name:  "Dropout",
	infer: inferSame,
	forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		x := inputs[0]
		if !ctx.training || attrs.Floats[0] == 0 {
			return x.withData(slices.Clone(x.data))
		}
		out := zerosLike(x)
		dropoutMask(ctx, attrs, len(x.data), func(ii int, scale float32) {
			out.data[ii] = x.data[ii] * scale
		})
		return out
	},
	vjp: func(ctx *execContext, inputs []*tensor, _, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
		x := inputs[0]
		if !ctx.training || attrs.Floats[0] == 0 {
			return []*tensor{x.withData(slices.Clone(grad.data))}
		}
		gx := zerosLike(x)
		dropoutMask(ctx, attrs, len(x.data), func(ii int, scale float32) {
			gx.data[ii] = grad.data[ii] * scale
		})
		return []*tensor{gx}
	},
})

// Dropout sets each element of x to zero with probability rate, and scales the others by 1/(1-rate),
// so that the expected value is unchanged. It is only active when executing with the Training option,
// and it is the identity otherwise.
//
// rate must be in [0, 1).
func Dropout(x Operand, rate float64) *Function {
	if rate < 0 || rate >= 1 {
		panicInvalidArgumentf("Dropout(): rate must be in [0, 1), got %g", rate)
	}
	return newFunction(opDropout, randomAttrs(rate), "", x)
}
