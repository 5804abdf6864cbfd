// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package learners

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cpu = device.CPUDevice()

func vec(flat ...float32) *values.Value {
	return must.M1(values.FromVec(shapes.Make(len(flat)), flat, cpu))
}

func param(name string, flat ...float32) *graph.Variable {
	return graph.ParameterFromValue(vec(flat...), graph.WithName(name))
}

func grads(pairs ...any) *graph.DataMap {
	dm := graph.NewDataMap()
	for ii := 0; ii < len(pairs); ii += 2 {
		dm.Add(pairs[ii].(*graph.Variable), pairs[ii+1].(*values.Value))
	}
	return dm
}

func TestSGD(t *testing.T) {
	w := param("w", 1, 2)
	b := param("b", 3)
	learner := SGD([]*graph.Variable{w, b}, Constant(0.1))
	assert.Equal(t, "sgd", learner.Name())
	assert.Equal(t, []*graph.Variable{w, b}, learner.Parameters())
	assert.Equal(t, 0.1, learner.LearningRate())

	// b has no gradient and is left unchanged.
	require.NoError(t, learner.Update(grads(w, vec(0.5, -1)), 1))
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, w.Value().ToVec(), 1e-6)
	assert.Equal(t, []float32{3}, b.Value().ToVec())
	assert.Equal(t, 1, learner.Step())

	// A null gradient is the same as no gradient.
	require.NoError(t, learner.Update(graph.NewDataMap().AddNull(w).Add(b, vec(10)), 4))
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, w.Value().ToVec(), 1e-6)
	assert.InDeltaSlice(t, []float32{2}, b.Value().ToVec(), 1e-6)
	assert.Equal(t, 2, learner.Step())

	// Empty minibatches are ignored.
	require.NoError(t, learner.Update(grads(w, vec(1, 1)), 0))
	assert.Equal(t, 2, learner.Step())
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, w.Value().ToVec(), 1e-6)
}

func TestMomentumSGD(t *testing.T) {
	w := param("w", 0)
	learner := MomentumSGD([]*graph.Variable{w}, Constant(1), 0.5)
	assert.Equal(t, "momentum", learner.Name())
	// velocity: 1, 1.5, 1.75
	for _, want := range []float32{-1, -2.5, -4.25} {
		require.NoError(t, learner.Update(grads(w, vec(1)), 1))
		assert.InDelta(t, want, w.Value().ToVec()[0], 1e-6)
	}
	require.Panics(t, func() { MomentumSGD([]*graph.Variable{w}, Constant(1), 1) })
}

func TestAdam(t *testing.T) {
	// In the first step the debiased moments cancel out: the step is lr*sign(gradient).
	w := param("w", 1, 1, 1)
	learner := Adam([]*graph.Variable{w}, Constant(0.01)).Done()
	assert.Equal(t, "adam", learner.Name())
	require.NoError(t, learner.Update(grads(w, vec(2, -0.5, 0)), 3))
	assert.InDeltaSlice(t, []float32{0.99, 1.01, 1}, w.Value().ToVec(), 1e-5)

	// Steady gradients keep the same step size.
	require.NoError(t, learner.Update(grads(w, vec(2, -0.5, 0)), 3))
	assert.InDeltaSlice(t, []float32{0.98, 1.02, 1}, w.Value().ToVec(), 1e-5)

	state := learner.State()
	assert.Equal(t, "adam", state.Name)
	assert.Equal(t, 2, state.Step)
	assert.Equal(t, int64(6), state.Samples)
	require.Contains(t, state.Slots, w.UID().String())
	assert.Len(t, state.Slots[w.UID().String()], 2)
	assert.InDeltaSlice(t, []float32{0.38, -0.095, 0}, state.Slots[w.UID().String()]["moment1"], 1e-6)
}

func TestAdamVariants(t *testing.T) {
	for _, tc := range []struct {
		name    string
		learner func(w *graph.Variable) Learner
		want    float32
	}{
		{"adamax", func(w *graph.Variable) Learner {
			return Adam([]*graph.Variable{w}, Constant(0.1)).Adamax().Done()
		}, 0.9},
		{"rmsprop", func(w *graph.Variable) Learner {
			return Adam([]*graph.Variable{w}, Constant(0.1)).RMSProp().Done()
		}, 0.9},
		{"adamw", func(w *graph.Variable) Learner {
			return Adam([]*graph.Variable{w}, Constant(0.1)).WeightDecay(0.5).Done()
		}, 0.85},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := param("w", 1)
			learner := tc.learner(w)
			assert.Equal(t, tc.name, learner.Name())
			require.NoError(t, learner.Update(grads(w, vec(4)), 1))
			assert.InDelta(t, tc.want, w.Value().ToVec()[0], 1e-5)
		})
	}

	// Backoff: moments are updated, but no step is taken.
	w := param("w", 1)
	learner := Adam([]*graph.Variable{w}, Constant(0.1)).WithBackoffSteps(1).Done()
	require.NoError(t, learner.Update(grads(w, vec(4)), 1))
	assert.Equal(t, []float32{1}, w.Value().ToVec())
	require.NoError(t, learner.Update(grads(w, vec(4)), 1))
	assert.InDelta(t, float32(0.9), w.Value().ToVec()[0], 1e-5)

	require.Panics(t, func() { Adam([]*graph.Variable{w}, Constant(0.1)).Betas(1, 0.5).Done() })
}

func TestClipStepByValue(t *testing.T) {
	w := param("w", 0, 0, 0)
	learner := SGD([]*graph.Variable{w}, Constant(1), ClipStepByValue(0.5))
	require.NoError(t, learner.Update(grads(w, vec(10, -0.25, -3)), 1))
	assert.Equal(t, []float32{-0.5, 0.25, 0.5}, w.Value().ToVec())

	w = param("w", 0)
	learner = Adam([]*graph.Variable{w}, Constant(1)).Options(ClipStepByValue(0.1)).Done()
	require.NoError(t, learner.Update(grads(w, vec(3)), 1))
	assert.InDelta(t, float32(-0.1), w.Value().ToVec()[0], 1e-6)
}

func TestUpdateErrors(t *testing.T) {
	w := param("w", 1, 2)
	b := param("b", 3)
	learner := MomentumSGD([]*graph.Variable{w, b}, Constant(0.1), 0.9)

	// A bad gradient for one parameter leaves all parameters and the state unchanged.
	err := learner.Update(grads(b, vec(1), w, vec(1, 2, 3)), 1)
	require.ErrorIs(t, err, graph.ErrShapeMismatch)
	batched := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 2, 3, 4}, cpu))
	require.ErrorIs(t, learner.Update(grads(b, vec(1), w, batched), 1), graph.ErrShapeMismatch)
	require.ErrorIs(t, learner.Update(grads(w, vec(1, 1)), -1), graph.ErrInvalidArgument)
	finalized := vec(1, 1)
	finalized.Finalize()
	require.ErrorIs(t, learner.Update(grads(w, finalized), 1), graph.ErrInvalidArgument)

	assert.Equal(t, []float32{1, 2}, w.Value().ToVec())
	assert.Equal(t, []float32{3}, b.Value().ToVec())
	assert.Equal(t, 0, learner.Step())
	for _, slots := range learner.State().Slots {
		for _, v := range slots["velocity"] {
			assert.Zero(t, v)
		}
	}

	// Only parameters can be trained.
	x := graph.InputVariable(shapes.Make(2))
	err = exceptions.TryCatch[error](func() { SGD([]*graph.Variable{w, x}, Constant(0.1)) })
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
	err = exceptions.TryCatch[error](func() { SGD([]*graph.Variable{w}, nil) })
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestPrepareUpdate(t *testing.T) {
	w := param("w", 1, 2)
	b := param("b", 3)
	learner := MomentumSGD([]*graph.Variable{w, b}, Constant(0.5), 0.5)
	velocity := func(p *graph.Variable) []float32 { return learner.State().Slots[p.UID().String()]["velocity"] }

	// Nothing changes until the update is committed.
	pending := must.M1(learner.PrepareUpdate(grads(w, vec(2, -2), b, vec(4)), 1))
	assert.Equal(t, []float32{1, 2}, w.Value().ToVec())
	assert.Equal(t, 0, learner.Step())
	require.NoError(t, pending.Commit())
	assert.Equal(t, []float32{0, 3}, w.Value().ToVec())
	assert.Equal(t, []float32{1}, b.Value().ToVec())
	assert.Equal(t, []float32{4}, velocity(b))
	assert.Equal(t, 1, learner.Step())
	require.ErrorIs(t, pending.Commit(), graph.ErrInvalidArgument, "committed twice")

	// Revert restores the parameters and the state.
	require.NoError(t, pending.Revert())
	assert.Equal(t, []float32{1, 2}, w.Value().ToVec())
	assert.Equal(t, []float32{3}, b.Value().ToVec())
	assert.Equal(t, []float32{0}, velocity(b))
	assert.Equal(t, 0, learner.Step())
	assert.Equal(t, int64(0), learner.State().Samples)
	require.NoError(t, pending.Revert(), "reverting twice is a no-op")

	// An update prepared before another one was applied is stale.
	stale := must.M1(learner.PrepareUpdate(grads(w, vec(1, 1)), 1))
	require.NoError(t, learner.Update(grads(w, vec(1, 1)), 1))
	require.ErrorIs(t, stale.Commit(), graph.ErrInvalidArgument)
	assert.Equal(t, 1, learner.Step())

	// A committed update can't be reverted after another one.
	committed := must.M1(learner.PrepareUpdate(grads(b, vec(1)), 2))
	require.NoError(t, committed.Commit())
	require.NoError(t, learner.Update(grads(b, vec(1)), 2))
	require.ErrorIs(t, committed.Revert(), graph.ErrInvalidArgument)
	assert.Equal(t, 3, learner.Step())

	// Empty minibatches prepare no-op updates.
	noop := must.M1(learner.PrepareUpdate(grads(w, vec(1, 1)), 0))
	require.NoError(t, noop.Commit())
	require.NoError(t, noop.Revert())
	assert.Equal(t, 3, learner.Step())
}

func TestCommitFailureRestoresValues(t *testing.T) {
	w := param("w", 1, 2)
	b := param("b", 3)
	learner := MomentumSGD([]*graph.Variable{w, b}, Constant(0.5), 0.5)
	pending := must.M1(learner.PrepareUpdate(grads(w, vec(2, -2), b, vec(4)), 1))

	// The value of b is rejected by SetValue after w was already set.
	step := pending.(*pendingStep)
	require.Len(t, step.updates, 2)
	require.Equal(t, b, step.updates[1].param)
	step.updates[1].value = vec(1, 2, 3)
	require.ErrorIs(t, pending.Commit(), graph.ErrShapeMismatch)

	assert.Equal(t, []float32{1, 2}, w.Value().ToVec())
	assert.Equal(t, []float32{3}, b.Value().ToVec())
	assert.Equal(t, 0, learner.Step())
	assert.Equal(t, []float32{0, 0}, learner.State().Slots[w.UID().String()]["velocity"])

	// The learner is still usable.
	require.NoError(t, learner.Update(grads(w, vec(2, -2), b, vec(4)), 1))
	assert.Equal(t, []float32{0, 3}, w.Value().ToVec())
	assert.Equal(t, 1, learner.Step())
}

func TestSchedules(t *testing.T) {
	assert.Equal(t, 0.5, Constant(0.5).At(1000))
	require.Panics(t, func() { Constant(math.NaN()) })

	piecewise := PiecewiseConstant([]float64{1, 0.5, 0.25}, 2)
	var got []float64
	for step := range 8 {
		got = append(got, piecewise.At(step))
	}
	assert.Equal(t, []float64{1, 1, 0.5, 0.5, 0.25, 0.25, 0.25, 0.25}, got)
	require.Panics(t, func() { PiecewiseConstant(nil, 1) })
	require.Panics(t, func() { PiecewiseConstant([]float64{1}, 0) })

	cosine := CosineAnnealing(1, 0.1, 4)
	assert.InDelta(t, 1, cosine.At(0), 1e-9)
	assert.InDelta(t, 0.55, cosine.At(2), 1e-9)
	assert.InDelta(t, 1, cosine.At(4), 1e-9, "restarts after each period")
	assert.Less(t, cosine.At(3), cosine.At(1))

	warm := CosineAnnealing(1, 0, 10).WarmUpSteps(3)
	assert.InDelta(t, 0.25, warm.At(0), 1e-9)
	assert.InDelta(t, 0.75, warm.At(2), 1e-9)
	assert.InDelta(t, 1, warm.At(3), 1e-9)
}

func TestScheduleAdvancesOncePerUpdate(t *testing.T) {
	w := param("w", 0)
	learner := SGD([]*graph.Variable{w}, PiecewiseConstant([]float64{1, 0.1}, 1))
	assert.Equal(t, 1.0, learner.LearningRate())
	require.NoError(t, learner.Update(grads(w, vec(1)), 1))
	assert.InDelta(t, float32(-1), w.Value().ToVec()[0], 1e-6)
	assert.Equal(t, 0.1, learner.LearningRate())
	require.NoError(t, learner.Update(grads(w, vec(1)), 1))
	assert.InDelta(t, float32(-1.1), w.Value().ToVec()[0], 1e-6)
}

func TestState(t *testing.T) {
	w := param("w", 1, 2)
	learner := MomentumSGD([]*graph.Variable{w}, Constant(0.1), 0.9)
	require.NoError(t, learner.Update(grads(w, vec(1, -1)), 2))
	state := learner.State()
	assert.Equal(t, map[string][]float32{"velocity": {1, -1}}, state.Slots[w.UID().String()])

	// The state is a copy.
	state.Slots[w.UID().String()]["velocity"][0] = 100
	assert.Equal(t, float32(1), learner.State().Slots[w.UID().String()]["velocity"][0])
	state.Slots[w.UID().String()]["velocity"][0] = 1

	// Parameters not in the state start from zero.
	w2 := param("w", 1, 2)
	restored := MomentumSGD([]*graph.Variable{w2}, Constant(0.1), 0.9)
	require.NoError(t, restored.SetState(state))
	assert.Equal(t, 1, restored.Step())
	assert.Equal(t, []float32{0, 0}, restored.State().Slots[w2.UID().String()]["velocity"])

	w3 := graph.ParameterFromValue(vec(1, 2))
	other := SGD([]*graph.Variable{w3}, Constant(0.1))
	require.ErrorIs(t, other.SetState(state), graph.ErrInvalidArgument, "different learner")

	// A restored learner continues exactly where the original was.
	same := MomentumSGD([]*graph.Variable{w}, Constant(0.1), 0.9)
	require.NoError(t, same.SetState(state))
	assert.Equal(t, 1, same.Step())
	before := w.Value()
	require.NoError(t, learner.Update(grads(w, vec(1, -1)), 2))
	want := w.Value().ToVec()
	require.NoError(t, w.SetValue(before))
	require.NoError(t, same.Update(grads(w, vec(1, -1)), 2))
	assert.Equal(t, want, w.Value().ToVec())

	// Slots of the wrong size are rejected.
	state.Slots[w.UID().String()]["velocity"] = []float32{1}
	require.ErrorIs(t, same.SetState(state), graph.ErrShapeMismatch)
}

func TestByName(t *testing.T) {
	w := param("w", 1)
	for name := range KnownLearners {
		learner := ByName(name, []*graph.Variable{w}, Constant(0.01))
		assert.Equal(t, name, learner.Name())
		require.NoError(t, learner.Update(grads(w, vec(1)), 1))
	}
	assert.Less(t, w.Value().ToVec()[0], float32(1))
	require.Panics(t, func() { ByName("adagrad", []*graph.Variable{w}, Constant(0.01)) })
}

func TestParallelUpdate(t *testing.T) {
	defer device.SetMaxNumCPUThreads(device.MaxNumCPUThreads())
	device.SetMaxNumCPUThreads(2)
	params := make([]*graph.Variable, 10)
	gradients := graph.NewDataMap()
	for ii := range params {
		params[ii] = param("p", float32(ii))
		gradients.Add(params[ii], vec(float32(ii)))
	}
	learner := SGD(params, Constant(0.5))
	require.NoError(t, learner.Update(gradients, 1))
	for ii, p := range params {
		assert.Equal(t, []float32{float32(ii) / 2}, p.Value().ToVec())
	}
}
