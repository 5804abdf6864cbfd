// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers provide the functions used to set the initial value of parameters.
//
// All random initializers take an explicit seed, so that models are reproducible. Use NextSeed
// to draw a new seed from a process-wide sequence.
package initializers

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gomlx/symbolic/pkg/core/shapes"
)

// Initializer returns the flat initial values (row-major) for a parameter of the given shape.
type Initializer func(shape shapes.Shape) []float32

var seedSequence atomic.Uint64

// NextSeed returns the next seed of a process-wide deterministic sequence.
func NextSeed() uint64 {
	return seedSequence.Add(1)
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Constant initializes all values with value.
func Constant(value float64) Initializer {
	return func(shape shapes.Shape) []float32 {
		values := make([]float32, shape.TotalSize())
		for ii := range values {
			values[ii] = float32(value)
		}
		return values
	}
}

// Zeros initializes all values with 0.
var Zeros = Constant(0)

// Ones initializes all values with 1.
var Ones = Constant(1)

// Uniform initializes values uniformly in the range [-scale, scale).
func Uniform(seed uint64, scale float64) Initializer {
	return func(shape shapes.Shape) []float32 {
		rng := newRNG(seed)
		values := make([]float32, shape.TotalSize())
		for ii := range values {
			values[ii] = float32((2*rng.Float64() - 1) * scale)
		}
		return values
	}
}

// Normal initializes values with a normal distribution with mean 0 and the given standard deviation.
func Normal(seed uint64, stddev float64) Initializer {
	return func(shape shapes.Shape) []float32 {
		rng := newRNG(seed)
		values := make([]float32, shape.TotalSize())
		for ii := range values {
			values[ii] = float32(rng.NormFloat64() * stddev)
		}
		return values
	}
}

// computeFanInFanOut of a parameter used with Times: the last axis is contracted with the input,
// so it is the fan-in, and the first axis is the fan-out.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0:
		return 1, 1
	case 1:
		return shape.Dimensions[0], 1
	case 2:
		return shape.Dimensions[1], shape.Dimensions[0]
	}
	receptiveFieldSize := 1
	for _, dim := range shape.Dimensions[1 : rank-1] {
		receptiveFieldSize *= dim
	}
	return shape.Dimensions[rank-1] * receptiveFieldSize, shape.Dimensions[0] * receptiveFieldSize
}

// GlorotUniform draws samples from a uniform distribution within [-limit, limit], where
// `limit = sqrt(6 / (fan_in + fan_out))`. Also known as Xavier uniform.
func GlorotUniform(seed uint64) Initializer {
	return func(shape shapes.Shape) []float32 {
		fanIn, fanOut := computeFanInFanOut(shape)
		limit := math.Sqrt(6.0 / max(1.0, float64(fanIn+fanOut)))
		return Uniform(seed, limit)(shape)
	}
}

// GlorotNormal draws samples from a normal distribution with stddev `sqrt(2 / (fan_in + fan_out))`.
func GlorotNormal(seed uint64) Initializer {
	return func(shape shapes.Shape) []float32 {
		fanIn, fanOut := computeFanInFanOut(shape)
		return Normal(seed, math.Sqrt(2.0/max(1.0, float64(fanIn+fanOut))))(shape)
	}
}

// HeUniform tries to preserve a variance of 1 through ReLU activations, drawing from
// a uniform distribution within [-limit, limit] with `limit = sqrt(6 / fan_in)`.
func HeUniform(seed uint64) Initializer {
	return func(shape shapes.Shape) []float32 {
		fanIn, _ := computeFanInFanOut(shape)
		return Uniform(seed, math.Sqrt(6.0/max(1.0, float64(fanIn))))(shape)
	}
}

// HeNormal is like HeUniform, but draws from a normal distribution with stddev `sqrt(2 / fan_in)`.
func HeNormal(seed uint64) Initializer {
	return func(shape shapes.Shape) []float32 {
		fanIn, _ := computeFanInFanOut(shape)
		return Normal(seed, math.Sqrt(2.0/max(1.0, float64(fanIn))))(shape)
	}
}
