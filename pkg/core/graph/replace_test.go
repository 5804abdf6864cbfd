// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	. "github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/graph/graphtest"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dense builds a layer tanh(W·p + b) over a placeholder p of unknown shape.
func dense(t *testing.T, name string, inDim, outDim int) (layer *Function, p *Variable) {
	t.Helper()
	p = Placeholder(shapes.Unknown(), WithName(name+"_in"))
	flat := make([]float32, inDim*outDim)
	for ii := range flat {
		flat[ii] = float32(ii%3) - 1
	}
	w := param(name+"_W", shapes.Make(outDim, inDim), flat...)
	b := param(name+"_b", shapes.Make(outDim), make([]float32, outDim)...)
	layer = Tanh(Plus(Times(w, p), b))
	require.True(t, layer.Output().Shape().IsUnknown())
	return
}

func TestReplacePlaceholders(t *testing.T) {
	layer1, p1 := dense(t, "layer1", 3, 4)
	layer2, p2 := dense(t, "layer2", 4, 2)

	x := InputVariable(shapes.Make(3), WithName("x"))
	first := layer1.ReplacePlaceholders(NewReplacementMap().Add(p1, x))
	assert.Equal(t, shapes.Make(4), first.Output().Shape())
	assert.Empty(t, first.Placeholders())
	assert.Equal(t, []*Variable{p1}, layer1.Placeholders(), "original function must not be modified")

	model := layer2.ReplacePlaceholders(NewReplacementMap().Add(p2, first))
	assert.Equal(t, shapes.Make(2), model.Output().Shape())
	assert.Equal(t, []*Variable{x}, model.Arguments())
	assert.Len(t, model.Parameters(), 4)

	// Parameters are shared with the original layers.
	assert.ElementsMatch(t, append(layer1.Parameters(), layer2.Parameters()...), model.Parameters())

	xValue := must.M1(values.FromVec(shapes.Make(3), []float32{0.5, -0.5, 1}, cpu))
	graphtest.Evaluate(t, model, NewDataMap().Add(x, xValue))

	// Replacing placeholders not part of the function is a no-op.
	stranger := Placeholder(shapes.Make(3))
	same := first.ReplacePlaceholders(NewReplacementMap().Add(stranger, x))
	assert.Equal(t, first.Inputs(), same.Inputs())

	// Non-placeholders can't be replaced.
	require.ErrorIs(t, TryBuild(func() {
		first.ReplacePlaceholders(NewReplacementMap().Add(x, InputVariable(shapes.Make(3))))
	}), ErrInvalidArgument)

	// A placeholder with a known shape requires the same shape.
	known := Placeholder(shapes.Make(3))
	f := Square(known)
	require.ErrorIs(t, TryBuild(func() {
		f.ReplacePlaceholders(NewReplacementMap().Add(known, InputVariable(shapes.Make(4))))
	}), ErrShapeMismatch)

	// Incompatible shapes downstream are detected when replacing.
	require.ErrorIs(t, TryBuild(func() {
		layer1.ReplacePlaceholders(NewReplacementMap().Add(p1, InputVariable(shapes.Make(5))))
	}), ErrShapeMismatch)
}

func TestReplacePlaceholdersComposition(t *testing.T) {
	a := Placeholder(shapes.Make(2), WithName("a"))
	b := Placeholder(shapes.Make(2), WithName("b"))
	f := Minus(ElementTimes(a, ScalarConstant(3)), b)

	x := InputVariable(shapes.Make(2), WithName("x"))
	y := InputVariable(shapes.Make(2), WithName("y"))
	xValue := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 2, 3, 4}, cpu))
	yValue := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 1, 2, 2}, cpu))
	arguments := NewDataMap().Add(x, xValue).Add(y, yValue)

	// One at a time, or both at once.
	stepwise := f.ReplacePlaceholders(NewReplacementMap().Add(a, x)).ReplacePlaceholders(NewReplacementMap().Add(b, y))
	atOnce := f.ReplacePlaceholders(NewReplacementMap().Add(a, x).Add(b, y))
	want := [][]float32{{2, 5, 7, 10}}
	graphtest.RunTestFunction(t, "Stepwise", stepwise, arguments, want, 0)
	graphtest.RunTestFunction(t, "AtOnce", atOnce, arguments, want, 0)

	// Partially replaced functions still can't be executed.
	partial := f.ReplacePlaceholders(NewReplacementMap().Add(a, x))
	require.ErrorIs(t, partial.Evaluate(arguments, NewDataMap(), cpu), ErrUnresolvedPlaceholder)

	// Combine keeps all its outputs.
	both := Combine(ElementTimes(a, a), Plus(a, b))
	replaced := both.ReplacePlaceholders(NewReplacementMap().Add(a, x).Add(b, y))
	assert.True(t, replaced.IsCombine())
	graphtest.RunTestFunction(t, "Combine", replaced, arguments, [][]float32{{1, 4, 9, 16}, {2, 3, 5, 6}}, 0)
}

func TestClone(t *testing.T) {
	model, x, w, b := denseModel(t)
	xValue := must.M1(values.FromVec(shapes.Make(3), []float32{1, 0, -1}, cpu))
	arguments := NewDataMap().Add(x, xValue)
	want := graphtest.Evaluate(t, model, arguments)[0].ToVec()

	for _, method := range []ParameterCloningMethod{CloneParameters, ShareParameters, FreezeParameters} {
		t.Run(method.String(), func(t *testing.T) {
			clone := model.Clone(method)
			require.NotSame(t, model, clone)
			assert.NotEqual(t, model.UID(), clone.UID())
			assert.Equal(t, model.OpName(), clone.OpName())
			assert.Equal(t, []*Variable{x}, clone.Arguments())
			assert.InDeltaSlice(t, want, graphtest.Evaluate(t, clone, arguments)[0].ToVec(), 1e-6)

			switch method {
			case CloneParameters:
				params := clone.Parameters()
				require.Len(t, params, 2)
				assert.NotSame(t, w, params[0])
				assert.Equal(t, "W", params[0].Name())
				assert.True(t, w.Value().Equal(params[0].Value()))
				assert.Empty(t, clone.Constants())
			case ShareParameters:
				assert.Equal(t, []*Variable{w, b}, clone.Parameters())
			case FreezeParameters:
				assert.Empty(t, clone.Parameters())
				assert.Len(t, clone.Constants(), 2)
			}
		})
	}

	// Changing the original parameters only affects the shared clone.
	cloned, shared, frozen := model.Clone(CloneParameters), model.Clone(ShareParameters), model.Clone(FreezeParameters)
	require.NoError(t, w.SetValue(must.M1(values.FromVec(shapes.Make(2, 3), make([]float32, 6), cpu))))
	assert.InDeltaSlice(t, want, graphtest.Evaluate(t, cloned, arguments)[0].ToVec(), 1e-6)
	assert.InDeltaSlice(t, want, graphtest.Evaluate(t, frozen, arguments)[0].ToVec(), 1e-6)
	assert.Equal(t, []float32{0.5, 0.5}, graphtest.Evaluate(t, shared, arguments)[0].ToVec())
}
