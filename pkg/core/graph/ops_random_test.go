// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"testing"

	. "github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/graph/graphtest"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meanAndStdDev(flat []float32) (mean, stdDev float64) {
	for _, v := range flat {
		mean += float64(v)
	}
	mean /= float64(len(flat))
	for _, v := range flat {
		stdDev += (float64(v) - mean) * (float64(v) - mean)
	}
	return mean, math.Sqrt(stdDev / float64(len(flat)))
}

func TestRandomLike(t *testing.T) {
	const numSamples = 200
	x := InputVariable(shapes.Make(100), WithName("x"))
	xBatch := must.M1(values.BatchFromVec(x.Shape(), make([]float32, numSamples*100), cpu))
	arguments := NewDataMap().Add(x, xBatch)

	const eulerGamma = 0.5772156649015329
	for _, tc := range []struct {
		name         string
		fn           *Function
		mean, stdDev float64
		check        func(v float32) bool
	}{
		{"Normal", NormalRandomLike(x, 1, 2), 1, 2, nil},
		{"Uniform", UniformRandomLike(x, -1, 3), 1, 4 / math.Sqrt(12), func(v float32) bool { return v >= -1 && v < 3 }},
		{"Bernoulli", BernoulliRandomLike(x, 0.3), 0.3, math.Sqrt(0.3 * 0.7), func(v float32) bool { return v == 0 || v == 1 }},
		{"Gumbel", GumbelRandomLike(x, 0.5, 2), 0.5 + 2*eulerGamma, 2 * math.Pi / math.Sqrt(6), nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, x.Shape(), tc.fn.Output().Shape())
			assert.Equal(t, x.DynamicAxes(), tc.fn.Output().DynamicAxes())
			value := graphtest.Evaluate(t, tc.fn, arguments)[0]
			assert.True(t, value.Layout().Equal(values.Batch(numSamples)))
			flat := value.ToVec()
			mean, stdDev := meanAndStdDev(flat)
			assert.InDelta(t, tc.mean, mean, 0.05*tc.stdDev)
			assert.InDelta(t, tc.stdDev, stdDev, 0.05*tc.stdDev)
			if tc.check != nil {
				for ii, v := range flat {
					require.Truef(t, tc.check(v), "value #%d out of range: %g", ii, v)
				}
			}

			// New numbers are drawn on every execution.
			assert.NotEqual(t, flat, graphtest.Evaluate(t, tc.fn, arguments)[0].ToVec())
		})
	}

	// No gradient flows through random numbers.
	w := param("w", shapes.Make(3), 1, 2, 3)
	noisy := Plus(w, NormalRandomLike(w, 0, 1))
	state := must.M1(noisy.Forward(nil, NewDataMap(), cpu, nil, NewVariableSet(w)))
	grads := NewDataMap().AddNull(w)
	require.NoError(t, noisy.Backward(state, NewOutputDataMap(noisy), grads))
	assert.Equal(t, []float32{1, 1, 1}, grads.Get(w).ToVec())

	require.ErrorIs(t, TryBuild(func() { NormalRandomLike(x, 0, -1) }), ErrInvalidArgument)
	require.ErrorIs(t, TryBuild(func() { UniformRandomLike(x, 1, 0) }), ErrInvalidArgument)
	require.ErrorIs(t, TryBuild(func() { BernoulliRandomLike(x, 1.5) }), ErrInvalidArgument)
	require.ErrorIs(t, TryBuild(func() { GumbelRandomLike(x, 0, -1) }), ErrInvalidArgument)
}
