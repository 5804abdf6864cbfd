// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"testing"

	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDataset(t *testing.T) {
	x := graph.InputVariable(shapes.Make(2), graph.WithName("x"))
	y := graph.InputVariable(shapes.Make(), graph.WithName("y"))
	ds := NewInMemoryDataset("pairs", 2)
	require.NoError(t, ds.Add(x, must.M1(values.BatchFromVec(shapes.Make(2), []float32{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}, cpu))))
	require.NoError(t, ds.Add(y, must.M1(values.BatchFromVec(shapes.Make(), []float32{0, 10, 20, 30, 40}, cpu))))
	assert.Equal(t, 5, ds.NumItems())
	assert.Equal(t, "pairs", ds.Name())

	var gotX [][]float32
	var gotY []float32
	for {
		arguments, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		xValue, yValue := arguments.Get(x), arguments.Get(y)
		assert.Equal(t, values.BatchLayout, xValue.Layout().Kind())
		assert.Equal(t, xValue.NumSamples(), yValue.NumSamples())
		gotX = append(gotX, xValue.ToVec())
		gotY = append(gotY, yValue.ToVec()...)
	}
	assert.Equal(t, [][]float32{{0, 0, 1, 1}, {2, 2, 3, 3}, {4, 4}}, gotX)
	assert.Equal(t, []float32{0, 10, 20, 30, 40}, gotY)

	// Dropping the incomplete batch, shuffled: samples stay paired.
	ds.DropIncompleteBatch(true).Shuffle(7)
	var seen []float32
	for range 2 {
		arguments := must.M1(ds.Yield())
		xs, ys := arguments.Get(x).ToVec(), arguments.Get(y).ToVec()
		for ii, yy := range ys {
			assert.Equal(t, yy/10, xs[2*ii])
		}
		seen = append(seen, ys...)
	}
	_, err := ds.Yield()
	require.Equal(t, io.EOF, err)
	assert.Len(t, seen, 4)

	// Infinite datasets restart.
	ds.Infinite(true).Reset()
	for range 7 {
		_ = must.M1(ds.Yield())
	}

	// Errors.
	require.ErrorIs(t, ds.Add(x, must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 2}, cpu))), graph.ErrInvalidArgument)
	z := graph.InputVariable(shapes.Make(2))
	require.ErrorIs(t, ds.Add(z, must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 2}, cpu))), graph.ErrShapeMismatch)
	require.ErrorIs(t, ds.Add(z, must.M1(values.FromVec(shapes.Make(2), []float32{1, 2}, cpu))), graph.ErrShapeMismatch)
	_, err = NewInMemoryDataset("empty", 1).Yield()
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestInMemoryDatasetSequences(t *testing.T) {
	x := graph.SequenceInputVariable(shapes.Make(1), graph.WithName("x"))
	label := graph.InputVariable(shapes.Make(), graph.WithName("label"))
	ds := NewInMemoryDataset("sequences", 2)
	seqs := must.M1(values.BatchOfSequencesFromVecs(shapes.Make(1), [][]float32{{1}, {2, 2}, {3, 3, 3}}, cpu))
	require.NoError(t, ds.Add(x, seqs))
	require.NoError(t, ds.Add(label, must.M1(values.BatchFromVec(shapes.Make(), []float32{1, 2, 3}, cpu))))

	first := must.M1(ds.Yield())
	assert.Equal(t, []int{1, 2}, first.Get(x).Layout().SequenceLengths())
	assert.Equal(t, [][]float32{{1}, {2, 2}}, first.Get(x).ToSequences())
	assert.Equal(t, []float32{1, 2}, first.Get(label).ToVec())
	second := must.M1(ds.Yield())
	assert.Equal(t, [][]float32{{3, 3, 3}}, second.Get(x).ToSequences())

	// Yielded minibatches can be evaluated directly.
	total := graph.ReduceSumAll(graph.Last(x))
	value := graph.NewDataMap().AddNull(total)
	require.NoError(t, total.Evaluate(first, value, cpu))
	assert.Equal(t, []float32{3}, value.Get(total).ToVec())
}
