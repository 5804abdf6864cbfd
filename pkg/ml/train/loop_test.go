// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/ml/initializers"
	"github.com/gomlx/symbolic/pkg/ml/learners"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearProblem returns a trainer for y = W·x + b and a dataset with 16 samples of
// y = 2*x0 - 3*x1 + 1.
func linearProblem(t *testing.T, learningRate float64) (*Trainer, *InMemoryDataset, *graph.Variable, *graph.Variable) {
	t.Helper()
	x := graph.InputVariable(shapes.Make(2), graph.WithName("x"))
	target := graph.InputVariable(shapes.Make(1), graph.WithName("target"))
	w := graph.Parameter(shapes.Make(1, 2), initializers.Zeros, cpu, graph.WithName("W"))
	b := graph.Parameter(shapes.Make(1), initializers.Zeros, cpu, graph.WithName("b"))
	model := graph.Plus(graph.Times(w, x), b)
	loss := graph.SquaredError(model, target)
	trainer, err := NewTrainer(model, loss, learners.SGD([]*graph.Variable{w, b}, learners.Constant(learningRate)))
	require.NoError(t, err)

	var xs, ys []float32
	grid := []float32{-1, -0.5, 0.5, 1}
	for _, x0 := range grid {
		for _, x1 := range grid {
			xs = append(xs, x0, x1)
			ys = append(ys, 2*x0-3*x1+1)
		}
	}
	ds := NewInMemoryDataset("linear", 4).Shuffle(42)
	require.NoError(t, ds.Add(x, must.M1(values.BatchFromVec(shapes.Make(2), xs, cpu))))
	require.NoError(t, ds.Add(target, must.M1(values.BatchFromVec(shapes.Make(1), ys, cpu))))
	return trainer, ds, w, b
}

func TestLoopRunEpochs(t *testing.T) {
	trainer, ds, w, b := linearProblem(t, 0.02)
	loop := NewLoop(trainer, cpu)
	var steps, starts, ends int
	var endSteps []int
	loop.OnStart("count", 0, func(loop *Loop, _ Dataset) error {
		starts++
		return nil
	})
	loop.OnStep("count", 0, func(loop *Loop, lossAverage float64) error {
		steps++
		endSteps = append(endSteps, loop.EndStep)
		return nil
	})
	loop.OnEnd("count", 0, func(loop *Loop, lossAverage float64) error {
		ends++
		return nil
	})
	lossAverage, err := loop.RunEpochs(ds, 50)
	require.NoError(t, err)
	assert.Less(t, lossAverage, 1e-4)
	assert.Equal(t, 200, steps)
	assert.Equal(t, 200, loop.LoopStep)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
	assert.Equal(t, -1, endSteps[0], "end step not known during the first epoch")
	assert.Equal(t, 200, endSteps[4], "end step estimated after the first epoch")
	assert.Len(t, loop.TrainStepDurations, 200)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	assert.InDeltaSlice(t, []float32{2, -3}, w.Value().ToVec(), 1e-2)
	assert.InDeltaSlice(t, []float32{1}, b.Value().ToVec(), 1e-2)
	assert.Equal(t, int64(16*50), trainer.TotalNumberOfSamplesSeen())
}

func TestLoopRunSteps(t *testing.T) {
	// A finite dataset can't run more steps than it has.
	trainer, ds, _, _ := linearProblem(t, 0.02)
	loop := NewLoop(trainer, cpu)
	_, err := loop.RunSteps(ds, 5)
	require.ErrorContains(t, err, "reached Dataset end after 4 steps")
	assert.Equal(t, 4, loop.LoopStep)

	trainer, ds, _, _ = linearProblem(t, 0.02)
	ds.Infinite(true)
	loop = NewLoop(trainer, cpu)

	// Hooks are called in priority order.
	var calls []string
	loop.OnStep("second", 10, func(*Loop, float64) error { calls = append(calls, "second"); return nil })
	loop.OnStep("first", -1, func(*Loop, float64) error { calls = append(calls, "first"); return nil })
	var every, nTimes []int
	EveryNSteps(loop, 3, "every", 0, func(loop *Loop, _ float64) error {
		every = append(every, loop.LoopStep)
		return nil
	})
	NTimesDuringLoop(loop, 2, "ntimes", 0, func(loop *Loop, _ float64) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	_, err = loop.RunSteps(ds, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, loop.StartStep)
	assert.Equal(t, 10, loop.EndStep)
	assert.Equal(t, 10, loop.LoopStep)
	require.Len(t, calls, 20)
	assert.Equal(t, []string{"first", "second"}, calls[:2])
	assert.Equal(t, []int{2, 5, 8}, every)
	assert.Equal(t, []int{0, 4, 9}, nTimes)

	// RunSteps picks up where the previous call stopped.
	_, err = loop.RunSteps(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, loop.StartStep)
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, int64(12), trainer.NumMinibatches())
}

func TestLoopErrors(t *testing.T) {
	trainer, ds, _, _ := linearProblem(t, 0.02)
	loop := NewLoop(trainer, cpu)
	loop.OnStep("fail", 0, func(loop *Loop, _ float64) error {
		if loop.LoopStep == 1 {
			return errors.New("stop here")
		}
		return nil
	})
	_, err := loop.RunEpochs(ds, 1)
	require.ErrorContains(t, err, "stop here")

	// Diverging training stops with an error.
	trainer, ds, _, _ = linearProblem(t, 1e3)
	loop = NewLoop(trainer, cpu)
	ds.Infinite(true)
	_, err = loop.RunSteps(ds, 1000)
	require.ErrorContains(t, err, "training interrupted")
	assert.Less(t, loop.LoopStep, 1000)
}

// reusingDataset yields always the same arguments.
type reusingDataset struct {
	arguments *graph.DataMap
	owned     bool
}

func (ds *reusingDataset) Name() string                   { return "reusing" }
func (ds *reusingDataset) Reset()                         {}
func (ds *reusingDataset) Yield() (*graph.DataMap, error) { return ds.arguments, nil }
func (ds *reusingDataset) IsOwnershipTransferred() bool   { return ds.owned }

func TestLoopOwnership(t *testing.T) {
	model, loss, w, x, target := scalarModel()
	trainer := must.M1(NewTrainer(model, loss, learners.SGD([]*graph.Variable{w}, learners.Constant(0.01))))
	ds := &reusingDataset{arguments: graph.NewDataMap().Add(x, scalar(1)).Add(target, scalar(0))}
	loop := NewLoop(trainer, cpu)
	_, err := loop.RunSteps(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), trainer.NumMinibatches())

	// If the loop owns the values, they are finalized after use, and reusing them fails.
	ds.owned = true
	_, err = loop.RunSteps(ds, 2)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
	assert.True(t, ds.arguments.Get(x).IsFinalized())
	assert.False(t, math.IsNaN(trainer.PreviousMinibatchLossAverage()))
}
