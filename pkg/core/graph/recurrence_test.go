// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"bytes"
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

// accumulator builds output = p + x*y, with p replaced by delayFn(output): a running sum of x*y
// over each sequence, forward or backward in time.
func accumulator(delayFn func(x Operand, offset int, initial Operand) *Function) (model *Function, x, y *Variable) {
	x = SequenceInputVariable(shapes.Make(2), WithName("x"))
	y = SequenceInputVariable(shapes.Make(2), WithName("y"))
	p := Placeholder(shapes.Make(2), WithDynamicAxes(shapes.DefaultSequenceDynamicAxes()...))
	output := Plus(p, ElementTimes(x, y))
	model = output.ReplacePlaceholders(NewReplacementMap().Add(p, delayFn(output, 1, nil)))
	return
}

func accumulatorInputs(x, y *Variable) *DataMap {
	return NewDataMap().
		Add(x, must.M1(values.SequenceFromVec(x.Shape(), []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, cpu))).
		Add(y, must.M1(values.SequenceFromVec(y.Shape(), []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 100}, cpu)))
}

func TestRecurrencePast(t *testing.T) {
	model, x, y := accumulator(PastValue)
	assert.True(t, model.IsRecurrent())
	assert.False(t, Plus(x, y).IsRecurrent())
	assert.Equal(t, shapes.Make(2), model.Output().Shape())
	assert.Equal(t, shapes.DefaultSequenceDynamicAxes(), model.Output().DynamicAxes())
	assert.Empty(t, model.Placeholders())

	want := []float32{1, 4, 10, 20, 35, 56, 84, 120, 165, 1120}
	graphtest.RunTestFunction(t, "PastValue/vec", model, accumulatorInputs(x, y), [][]float32{want}, 0)
	last := Last(model.Output())
	graphtest.RunTestFunction(t, "PastValue/Last", last, accumulatorInputs(x, y), [][]float32{{165, 1120}}, 0)

	// Same values, built from multidimensional arrays.
	arrays := NewDataMap().
		Add(x, must.M1(values.SequenceFromNDArray(x.Shape(), [][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}}, cpu))).
		Add(y, must.M1(values.SequenceFromNDArray(y.Shape(), [][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 100}}, cpu)))
	graphtest.RunTestFunction(t, "PastValue/ndarray", model, arrays, [][]float32{want}, 0)
	graphtest.RunTestFunction(t, "PastValue/ndarray/Last", last, arrays, [][]float32{{165, 1120}}, 0)

	// Ragged sequences are accumulated independently.
	ragged := NewDataMap().
		Add(x, must.M1(values.BatchOfSequencesFromVecs(x.Shape(), [][]float32{{1, 2, 3, 4}, {1, 1}, {2, 2, 2, 2, 2, 2}}, cpu))).
		Add(y, must.M1(values.BatchOfSequencesFromVecs(y.Shape(), [][]float32{{1, 1, 1, 1}, {5, 5}, {1, 2, 3, 4, 5, 6}}, cpu)))
	graphtest.RunTestFunction(t, "PastValue/ragged", model, ragged,
		[][]float32{{1, 2, 4, 6, 5, 5, 2, 4, 8, 12, 18, 24}}, 0)
	graphtest.RunTestFunction(t, "PastValue/ragged/Last", last, ragged,
		[][]float32{{4, 6, 5, 5, 18, 24}}, 0)
}

func TestRecurrenceFuture(t *testing.T) {
	model, x, y := accumulator(FutureValue)
	assert.True(t, model.IsRecurrent())
	graphtest.RunTestFunction(t, "FutureValue", model, accumulatorInputs(x, y),
		[][]float32{{165, 1120, 164, 1116, 155, 1100, 130, 1064, 81, 1000}}, 0)
	graphtest.RunTestFunction(t, "FutureValue/Last", Last(model.Output()), accumulatorInputs(x, y),
		[][]float32{{81, 1000}}, 0)
	graphtest.RunTestFunction(t, "FutureValue/First", First(model.Output()), accumulatorInputs(x, y),
		[][]float32{{165, 1120}}, 0)
}

// rnn builds h_t = tanh(w*h_{t-offset} + x_t), with the given delay closing the recurrence.
func rnn(delayFn func(x Operand, offset int, initial Operand) *Function, offset int) (model *Function, x, w, initial *Variable) {
	x = SequenceInputVariable(shapes.Make(2), WithName("x"))
	w = param("w", shapes.Make(2), 0.8, -0.6)
	initial = param("initial", shapes.Make(2), 0.3, -0.2)
	p := Placeholder(shapes.Make(2), WithDynamicAxes(shapes.DefaultSequenceDynamicAxes()...))
	h := Tanh(Plus(ElementTimes(p, w), x))
	model = h.ReplacePlaceholders(NewReplacementMap().Add(p, delayFn(h, offset, initial)))
	return
}

func TestRecurrenceGradients(t *testing.T) {
	for _, tc := range []struct {
		name    string
		delayFn func(x Operand, offset int, initial Operand) *Function
		offset  int
	}{
		{"PastValue", PastValue, 1},
		{"PastValue/offset=2", PastValue, 2},
		{"FutureValue", FutureValue, 1},
		{"FutureValue/offset=2", FutureValue, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			model, x, w, initial := rnn(tc.delayFn, tc.offset)
			require.True(t, model.IsRecurrent())
			args := NewDataMap().Add(x, must.M1(values.BatchOfSequencesFromVecs(x.Shape(), [][]float32{
				{0.1, 0.2, 0.3, -0.4, 0.5, 0.1, -0.3, 0.2},
				{-0.2, 0.3},
				{0.4, -0.1, 0.2, 0.2, -0.5, 0.3},
			}, cpu)))
			wrt := []*Variable{x, w, initial}
			graphtest.CheckGradients(t, Square(model), args, wrt, gradEpsilon, gradDelta)
			graphtest.CheckGradients(t, Square(Last(model.Output())), args, wrt, gradEpsilon, gradDelta)
		})
	}
}

func TestRecurrenceFirstStep(t *testing.T) {
	// With a single step, a recurrence only sees its initial value.
	model, x, w, initial := rnn(PastValue, 1)
	args := NewDataMap().Add(x, must.M1(values.SequenceFromVec(x.Shape(), []float32{0.5, -0.5}, cpu)))
	got := graphtest.Evaluate(t, model, args)[0].ToVec()
	wv, iv := w.Value().ToVec(), initial.Value().ToVec()
	want := []float32{
		float32(math.Tanh(float64(iv[0]*wv[0] + 0.5))),
		float32(math.Tanh(float64(iv[1]*wv[1] - 0.5))),
	}
	assert.InDeltaSlice(t, want, got, 1e-6)
}

func TestRecurrenceSaveLoadAndClone(t *testing.T) {
	model, x, w, initial := rnn(PastValue, 1)
	args := NewDataMap().Add(x, must.M1(values.BatchOfSequencesFromVecs(x.Shape(), [][]float32{
		{0.1, 0.2, 0.3, -0.4, 0.5, 0.1}, {-0.2, 0.3},
	}, cpu)))
	want := graphtest.Evaluate(t, model, args)[0].ToVec()

	var buf bytes.Buffer
	require.NoError(t, model.SaveTo(&buf))
	loaded := must.M1(LoadFrom(&buf, cpu))
	assert.True(t, loaded.IsRecurrent())
	loadedX := loaded.FindByName("x")
	require.NotNil(t, loadedX)
	loadedArgs := NewDataMap().Add(loadedX, args.Get(x))
	assert.Equal(t, want, graphtest.Evaluate(t, loaded, loadedArgs)[0].ToVec())

	for _, method := range []ParameterCloningMethod{CloneParameters, ShareParameters, FreezeParameters} {
		clone := model.Clone(method)
		assert.Truef(t, clone.IsRecurrent(), "clone with %s", method)
		assert.Equalf(t, want, graphtest.Evaluate(t, clone, args)[0].ToVec(), "clone with %s", method)
	}

	// Cloned parameters are independent of the original ones.
	clone := model.Clone(CloneParameters)
	require.NoError(t, w.SetValue(must.M1(values.FromVec(w.Shape(), []float32{0, 0}, cpu))))
	require.NoError(t, initial.SetValue(must.M1(values.FromVec(initial.Shape(), []float32{0, 0}, cpu))))
	assert.Equal(t, want, graphtest.Evaluate(t, clone, args)[0].ToVec())
	assert.NotEqual(t, want, graphtest.Evaluate(t, model, args)[0].ToVec())
}

func TestRecurrenceErrors(t *testing.T) {
	x := SequenceInputVariable(shapes.Make(2), WithName("x"))
	seqAxes := WithDynamicAxes(shapes.DefaultSequenceDynamicAxes()...)

	// PastValue and FutureValue can't close the same recurrence.
	p1 := Placeholder(shapes.Make(2), seqAxes)
	p2 := Placeholder(shapes.Make(2), seqAxes)
	out := Plus(Plus(p1, p2), x)
	require.ErrorIs(t, TryBuild(func() {
		out.ReplacePlaceholders(NewReplacementMap().Add(p1, PastValue(out, 1, nil)).Add(p2, FutureValue(out, 1, nil)))
	}), ErrInvalidArgument)

	// But they can be in separate recurrences.
	pPast := Placeholder(shapes.Make(2), seqAxes)
	forward := Plus(pPast, x)
	forwardModel := forward.ReplacePlaceholders(NewReplacementMap().Add(pPast, PastValue(forward, 1, nil)))
	pFuture := Placeholder(shapes.Make(2), seqAxes)
	backward := Plus(pFuture, forwardModel)
	bidirectional := backward.ReplacePlaceholders(NewReplacementMap().Add(pFuture, FutureValue(backward, 1, nil)))
	require.True(t, bidirectional.IsRecurrent())
	// Running sums 1,3,6 then suffix sums of those.
	graphtest.RunTestFunction(t, "bidirectional", bidirectional,
		NewDataMap().Add(x, must.M1(values.SequenceFromVec(x.Shape(), []float32{1, 0, 2, 0, 3, 0}, cpu))),
		[][]float32{{10, 0, 9, 0, 6, 0}}, 0)

	// A recurrence must go through a delay.
	p := Placeholder(shapes.Make(2), seqAxes)
	direct := Plus(p, x)
	require.ErrorIs(t, TryBuild(func() {
		direct.ReplacePlaceholders(NewReplacementMap().Add(p, Square(direct)))
	}), ErrInvalidArgument)

	// The placeholder closing a recurrence must have a known shape.
	unknown := Placeholder(shapes.Unknown(), seqAxes)
	unknownOut := Plus(unknown, x)
	require.ErrorIs(t, TryBuild(func() {
		unknownOut.ReplacePlaceholders(NewReplacementMap().Add(unknown, PastValue(unknownOut, 1, nil)))
	}), ErrShapeMismatch)

	// Recurrences are over sequences.
	batchP := Placeholder(shapes.Make(2))
	batchOut := Plus(batchP, InputVariable(shapes.Make(2)))
	require.ErrorIs(t, TryBuild(func() {
		batchOut.ReplacePlaceholders(NewReplacementMap().Add(batchP, PastValue(batchOut, 1, nil)))
	}), ErrShapeMismatch)
}
