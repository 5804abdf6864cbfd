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

func TestElementwise(t *testing.T) {
	x := param("x", shapes.Make(4), -1.5, -0.5, 0.5, 2)
	y := param("y", shapes.Make(4), 1, -0.5, 2, 2)
	graphtest.RunTestFunction(t, "Unary", Combine(Negate(x), ReLU(x), Abs(x), Floor(x), Ceil(x), Round(x), Square(x)), nil,
		[][]float32{
			{1.5, 0.5, -0.5, -2},
			{0, 0, 0.5, 2},
			{1.5, 0.5, 0.5, 2},
			{-2, -1, 0, 2},
			{-1, -0, 1, 2},
			{-1, 0, 1, 2},
			{2.25, 0.25, 0.25, 4},
		}, 1e-6)
	graphtest.RunTestFunction(t, "LeakyReLU+Clip", Combine(LeakyReLU(x, 0.1), Clip(x, -1, 1)), nil,
		[][]float32{{-0.15, -0.05, 0.5, 2}, {-1, -0.5, 0.5, 1}}, 1e-6)
	graphtest.RunTestFunction(t, "Comparisons",
		Combine(Equal(x, y), NotEqual(x, y), Less(x, y), LessEqual(x, y), Greater(x, y), GreaterEqual(x, y)), nil,
		[][]float32{
			{0, 1, 0, 1},
			{1, 0, 1, 0},
			{1, 0, 1, 0},
			{1, 1, 1, 1},
			{0, 0, 0, 0},
			{0, 1, 0, 1},
		}, 0)
	graphtest.RunTestFunction(t, "Binary", Combine(Plus(x, y), Minus(x, y), ElementTimes(x, y), ElementDivide(x, y)), nil,
		[][]float32{
			{-0.5, -1, 2.5, 4},
			{-2.5, 0, -1.5, 0},
			{-1.5, 0.25, 1, 4},
			{-1.5, 1, 0.25, 1},
		}, 1e-6)

	logAddExp := graphtest.Evaluate(t, LogAddExp(x, y), nil)[0].ToVec()
	for ii, want := range []float64{math.Log(math.Exp(-1.5) + math.Exp(1)), math.Log(2 * math.Exp(-0.5))} {
		assert.InDelta(t, want, float64(logAddExp[ii]), 1e-5)
	}

	// Large values don't overflow.
	big := param("big", shapes.Make(2), 1000, -1000)
	graphtest.RunTestFunction(t, "Stable", Combine(Sigmoid(big), Softplus(big), LogAddExp(big, big)), nil,
		[][]float32{{1, 0}, {1000, 0}, {1000 + float32(math.Ln2), -1000 + float32(math.Ln2)}}, 1e-3)

	require.ErrorIs(t, TryBuild(func() { Clip(x, 1, 0) }), ErrInvalidArgument)
}

func TestTimes(t *testing.T) {
	a := param("a", shapes.Make(2, 3), 1, 2, 3, 4, 5, 6)
	b := param("b", shapes.Make(3, 2), 1, 0, 0, 1, 1, 1)
	v := param("v", shapes.Make(3), 1, 1, 1)
	graphtest.RunTestFunction(t, "Times", Combine(Times(a, b), Times(a, v), Times(Transpose(v), Transpose(a))), nil,
		[][]float32{{4, 5, 10, 11}, {6, 15}, {6, 15}}, 0)
	graphtest.RunTestFunction(t, "TransposeTimes", TransposeTimes(b, Transpose(a)), nil,
		[][]float32{{4, 10, 5, 11}}, 0)

	// Batch of matrices on the right side.
	x := InputVariable(shapes.Make(3, 2))
	xBatch := must.M1(values.BatchFromVec(shapes.Make(3, 2), []float32{1, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}, cpu))
	graphtest.RunTestFunction(t, "BatchRight", Times(a, x), NewDataMap().Add(x, xBatch),
		[][]float32{{4, 5, 10, 11, 6, 6, 15, 15}}, 0)

	// Batch on the left side.
	y := InputVariable(shapes.Make(2))
	yBatch := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 0, 0, 1, 1, 1}, cpu))
	graphtest.RunTestFunction(t, "BatchLeft", Times(y, a), NewDataMap().Add(y, yBatch),
		[][]float32{{1, 2, 3, 4, 5, 6, 5, 7, 9}}, 0)
}

func TestReductions(t *testing.T) {
	x := InputVariable(shapes.Make(2, 2))
	xBatch := must.M1(values.BatchFromVec(shapes.Make(2, 2), []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, cpu))
	arguments := NewDataMap().Add(x, xBatch)
	graphtest.RunTestFunction(t, "StaticAxes", Combine(
		ReduceSum(x, shapes.NewAxis(0)),
		ReduceMean(x, shapes.NewAxis(1)),
		ReduceMax(x, shapes.AllStaticAxes()),
		ReduceMin(x, shapes.AllStaticAxes()),
	), arguments, [][]float32{
		{4, 6, 12, 14},
		{1.5, 3.5, 5.5, 7.5},
		{4, 8},
		{1, 5},
	}, 1e-6)

	sumBatch := ReduceSum(x, shapes.DefaultBatchAxis())
	meanBatch := ReduceMean(x, shapes.DefaultBatchAxis())
	sumAll := ReduceSumAll(x)
	outputs := graphtest.Evaluate(t, Combine(sumBatch, meanBatch, sumAll), arguments)
	assert.Equal(t, []float32{6, 8, 10, 12}, outputs[0].ToVec())
	assert.Equal(t, values.Static(), outputs[0].Layout())
	assert.Equal(t, []float32{3, 4, 5, 6}, outputs[1].ToVec())
	assert.Equal(t, []float32{36}, outputs[2].ToVec())
	assert.Equal(t, shapes.Scalar(), outputs[2].Shape())

	logSum := graphtest.Evaluate(t, ReduceLogSum(x, shapes.NewAxis(1)), arguments)[0].ToVec()
	assert.InDelta(t, math.Log(math.Exp(1)+math.Exp(2)), float64(logSum[0]), 1e-5)
	assert.InDelta(t, math.Log(math.Exp(7)+math.Exp(8)), float64(logSum[3]), 1e-5)

	graphtest.RunTestFunction(t, "ReduceProd", Combine(
		ReduceProd(x, shapes.NewAxis(1)),
		ReduceProd(x, shapes.AllStaticAxes()),
		ReduceProd(x, shapes.DefaultBatchAxis()),
	), arguments, [][]float32{
		{2, 12, 30, 56},
		{24, 1680},
		{5, 12, 21, 32},
	}, 0)

	graphtest.RunTestFunction(t, "Argmax", Combine(
		Argmax(x, shapes.NewAxis(0)),
		Argmin(x, shapes.NewAxis(1)),
		Argmax(x, shapes.AllStaticAxes()),
	), arguments, [][]float32{
		{1, 1, 1, 1},
		{0, 0, 0, 0},
		{3, 3},
	}, 0)
	require.ErrorIs(t, TryBuild(func() { Argmax(x, shapes.DefaultBatchAxis()) }), ErrShapeMismatch)
}

func TestSequences(t *testing.T) {
	x := SequenceInputVariable(shapes.Make(2))
	xValue := must.M1(values.BatchOfSequencesFromVecs(shapes.Make(2), [][]float32{
		{1, 2, 3, 4, 5, 6},
		{7, 8},
		{},
	}, cpu))
	arguments := NewDataMap().Add(x, xValue)
	initial := param("initial", shapes.Make(2), -1, -2)

	past := graphtest.Evaluate(t, PastValue(x, 1, nil), arguments)[0]
	assert.True(t, past.Layout().Equal(xValue.Layout()))
	assert.Equal(t, [][]float32{{0, 0, 1, 2, 3, 4}, {0, 0}, {}}, past.ToSequences())

	past2 := graphtest.Evaluate(t, PastValue(x, 2, initial), arguments)[0]
	assert.Equal(t, [][]float32{{-1, -2, -1, -2, 1, 2}, {-1, -2}, {}}, past2.ToSequences())

	future := graphtest.Evaluate(t, FutureValue(x, 1, ScalarConstant(9)), arguments)[0]
	assert.Equal(t, [][]float32{{3, 4, 5, 6, 9, 9}, {9, 9}, {}}, future.ToSequences())

	sums := graphtest.Evaluate(t, ReduceSum(x, shapes.DefaultSequenceAxis()), arguments)[0]
	assert.Equal(t, values.Batch(3), sums.Layout())
	assert.Equal(t, []float32{9, 12, 7, 8, 0, 0}, sums.ToVec())

	// First and Last fail on the empty sequence.
	err := First(x).Evaluate(arguments, NewDataMap(), cpu)
	require.ErrorIs(t, err, ErrShapeMismatch)

	nonEmpty := must.M1(values.BatchOfSequencesFromVecs(shapes.Make(2), [][]float32{{1, 2, 3, 4, 5, 6}, {7, 8}}, cpu))
	arguments = NewDataMap().Add(x, nonEmpty)
	first := graphtest.Evaluate(t, First(x), arguments)[0]
	last := graphtest.Evaluate(t, Last(x), arguments)[0]
	assert.Equal(t, values.Batch(2), first.Layout())
	assert.Equal(t, []float32{1, 2, 7, 8}, first.ToVec())
	assert.Equal(t, []float32{5, 6, 7, 8}, last.ToVec())

	// A parameter combined with sequences is broadcast to every step.
	w := param("w", shapes.Make(2), 10, 100)
	graphtest.RunTestFunction(t, "Broadcast", ElementTimes(x, w), arguments,
		[][]float32{{10, 200, 30, 400, 50, 600, 70, 800}}, 0)

	// Binding errors.
	batch := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 2}, cpu))
	err = Last(x).Evaluate(NewDataMap().Add(x, batch), NewDataMap(), cpu)
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { PastValue(x, 0, nil) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { PastValue(x, 1, param("bad", shapes.Make(3), 1, 2, 3)) }), ErrShapeMismatch)
}

func TestShapeOps(t *testing.T) {
	m := param("m", shapes.Make(2, 3), 1, 2, 3, 4, 5, 6)
	v := param("v", shapes.Make(3), 7, 8, 9)
	graphtest.RunTestFunction(t, "ShapeOps", Combine(
		Reshape(m, 3, -1),
		Transpose(m),
		Slice(m, shapes.NewAxis(1), 1, 0),
		Slice(m, shapes.NewAxis(0), -1, 0),
		Splice(shapes.NewAxis(0), m, Reshape(v, 1, 3)),
		Splice(shapes.NewAxis(1), Slice(v, shapes.NewAxis(0), 0, 2), Slice(v, shapes.NewAxis(0), 1, 3)),
		BroadcastAs(v, m),
	), nil, [][]float32{
		{1, 2, 3, 4, 5, 6},
		{1, 4, 2, 5, 3, 6},
		{2, 3, 5, 6},
		{4, 5, 6},
		{1, 2, 3, 4, 5, 6, 7, 8, 9},
		{7, 8, 8, 9},
		{7, 8, 9, 7, 8, 9},
	}, 0)

	x := InputVariable(shapes.Make(2, 2, 2))
	xBatch := must.M1(values.BatchFromVec(shapes.Make(2, 2, 2), []float32{0, 1, 2, 3, 4, 5, 6, 7, 10, 11, 12, 13, 14, 15, 16, 17}, cpu))
	graphtest.RunTestFunction(t, "TransposeAxes", TransposeAxes(x, 0, 2), NewDataMap().Add(x, xBatch),
		[][]float32{{0, 4, 2, 6, 1, 5, 3, 7, 10, 14, 12, 16, 11, 15, 13, 17}}, 0)

	// ToBatch turns the leading axis into the batch axis.
	batch := ToBatch(m)
	assert.Equal(t, shapes.Make(3), batch.Output().Shape())
	assert.Equal(t, shapes.DefaultInputDynamicAxes(), batch.Output().DynamicAxes())
	batchValue := graphtest.Evaluate(t, batch, nil)[0]
	assert.True(t, batchValue.Layout().Equal(values.Batch(2)))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, batchValue.ToVec())
	graphtest.RunTestFunction(t, "ToBatch", Plus(ToBatch(m), v), nil, [][]float32{{8, 10, 12, 11, 13, 15}}, 0)
	require.ErrorIs(t, TryBuild(func() { ToBatch(x) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { ToBatch(ScalarConstant(1)) }), ErrShapeMismatch)
}


func TestNN(t *testing.T) {
	z := InputVariable(shapes.Make(3))
	target := InputVariable(shapes.Make(3))
	zBatch := must.M1(values.BatchFromVec(shapes.Make(3), []float32{1, 2, 3, 0, 0, 0}, cpu))
	targetBatch := must.M1(values.BatchFromVec(shapes.Make(3), []float32{0, 0, 1, 1, 0, 0}, cpu))
	arguments := NewDataMap().Add(z, zBatch).Add(target, targetBatch)

	outputs := graphtest.Evaluate(t, Combine(Softmax(z), Hardmax(z), CrossEntropyWithSoftmax(z, target),
		ClassificationError(z, target)), arguments)
	lse := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	softmax := outputs[0].ToVec()
	for ii, zi := range []float64{1, 2, 3} {
		assert.InDelta(t, math.Exp(zi-lse), float64(softmax[ii]), 1e-6)
	}
	assert.InDeltaSlice(t, []float32{1. / 3, 1. / 3, 1. / 3}, softmax[3:], 1e-6)
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, outputs[1].ToVec())
	crossEntropy := outputs[2].ToVec()
	assert.InDelta(t, lse-3, float64(crossEntropy[0]), 1e-5)
	assert.InDelta(t, math.Log(3), float64(crossEntropy[1]), 1e-5)
	assert.Equal(t, []float32{0, 0}, outputs[3].ToVec())

	graphtest.RunTestFunction(t, "SquaredError", SquaredError(z, target), arguments, [][]float32{{9, 1}}, 1e-6)

	a := param("a", shapes.Make(3), 1, 2, 3)
	b := param("b", shapes.Make(3), 0, 0, 2)
	graphtest.RunTestFunction(t, "CosineDistance", CosineDistance(a, b), nil,
		[][]float32{{float32(3 / math.Sqrt(14))}}, 1e-6)

	probs := param("probs", shapes.Make(2), 0.8, 0.25)
	labels := param("labels", shapes.Make(2), 1, 0)
	graphtest.RunTestFunction(t, "BinaryCrossEntropy", BinaryCrossEntropy(probs, labels), nil,
		[][]float32{{float32(-math.Log(0.8) - math.Log(0.75))}}, 1e-5)
}
