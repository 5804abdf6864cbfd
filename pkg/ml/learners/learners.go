// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package learners implements the stateful update rules (SGD, momentum, Adam) used to train the
// parameters of a graph.Function.
//
// A Learner is bound at construction to a fixed list of parameters and owns the per-parameter state
// of its update rule (velocity, moments). Each call to Learner.Update takes the gradients computed by
// graph.Function.Backward and applies one step to every parameter that has a gradient: the new values
// are all computed first, in parallel, and only then committed, so an Update that fails leaves the
// parameters and the learner state untouched. PrepareUpdate splits the two phases, so that several
// learners can be updated together.
//
// Example:
//
//	learner := learners.Adam(model.Parameters(), learners.Constant(1e-3)).WeightDecay(1e-4).Done()
//	...
//	err := learner.Update(gradients, minibatchSize)
package learners

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Learner updates a fixed list of parameters from their gradients.
type Learner interface {
	// Name of the update rule, e.g. "sgd" or "adam".
	Name() string

	// Parameters updated by the learner, in the order given at construction.
	Parameters() []*graph.Variable

	// Update applies one step using the gradients of the parameters. Parameters without a gradient
	// (absent or null in gradients) are left unchanged. sampleCount is the number of samples the
	// gradients were accumulated over: if it is 0 Update does nothing.
	Update(gradients *graph.DataMap, sampleCount int) error

	// PrepareUpdate computes the step Update would apply, without changing the parameters or the
	// learner. The step is applied by PendingUpdate.Commit, which must be called before any other
	// update of the learner.
	PrepareUpdate(gradients *graph.DataMap, sampleCount int) (PendingUpdate, error)

	// LearningRate that will be used by the next Update.
	LearningRate() float64

	// Step is the number of updates applied so far.
	Step() int

	// State returns a copy of the learner state, to be stored in a checkpoint.
	State() *State

	// SetState restores a state returned by State. Parameters are matched by UID.
	SetState(state *State) error
}

// PendingUpdate is an update computed by Learner.PrepareUpdate and not yet applied.
type PendingUpdate interface {
	// Commit applies the update to the parameters and the learner state: either all of them change, or
	// none does and an error is returned. It fails if the learner was updated since the update was
	// prepared, or if the update was already committed.
	Commit() error

	// Revert undoes a committed update, restoring the previous parameter values and learner state.
	// It fails if the learner was updated after the commit, and does nothing if the update is not committed.
	Revert() error
}

// State of a Learner, as stored in checkpoints.
type State struct {
	Name    string
	Step    int
	Samples int64

	// Slots holds the named per-parameter buffers of the update rule, indexed by the parameter UID
	// (as a string).
	Slots map[string]map[string][]float32
}

// Option configures one of the learners.
type Option func(l *learner)

// ClipStepByValue clips each element of the step taken (after the learning rate is applied) to
// the range [-value, value]. A value <= 0 disables clipping, the default.
func ClipStepByValue(value float64) Option {
	return func(l *learner) { l.clipStepByValue = value }
}

// Constructor of a learner with default configuration, see KnownLearners.
type Constructor func(parameters []*graph.Variable, learningRate DoubleParameterSchedule) Learner

// KnownLearners maps the names of learners to constructors with their default configuration.
// Used by command-line tools to select a learner by name.
var KnownLearners = map[string]Constructor{
	"sgd": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return SGD(parameters, lr)
	},
	"momentum": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return MomentumSGD(parameters, lr, DefaultMomentum)
	},
	"adam": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return Adam(parameters, lr).Done()
	},
	"adamax": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return Adam(parameters, lr).Adamax().Done()
	},
	"adamw": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return Adam(parameters, lr).WeightDecay(DefaultAdamWWeightDecay).Done()
	},
	"rmsprop": func(parameters []*graph.Variable, lr DoubleParameterSchedule) Learner {
		return Adam(parameters, lr).RMSProp().Done()
	},
}

// ByName returns a learner given its name, from the KnownLearners map.
// It panics with the list of known names if name is not known.
func ByName(name string, parameters []*graph.Variable, learningRate DoubleParameterSchedule) Learner {
	constructor, found := KnownLearners[name]
	if !found {
		names := make([]string, 0, len(KnownLearners))
		for known := range KnownLearners {
			names = append(names, known)
		}
		slices.Sort(names)
		exceptions.Panicf("unknown learner %q, known learners: \"%s\"", name, strings.Join(names, "\", \""))
	}
	return constructor(parameters, learningRate)
}

// updateRule computes the step for one parameter. It is called concurrently for different
// parameters, and must only write to stepDirection and slots.
type updateRule interface {
	name() string

	// slotNames of the per-parameter buffers, each with the size of the parameter.
	slotNames() []string

	// apply writes in stepDirection the amount to subtract from param, already scaled by the
	// learning rate. step is the 1-based number of the update being applied.
	apply(stepDirection, param, grad []float32, slots [][]float32, learningRate float64, step int)
}

// learner implements Learner for any updateRule.
type learner struct {
	rule            updateRule
	schedule        DoubleParameterSchedule
	clipStepByValue float64

	mu      sync.Mutex
	params  []*graph.Variable
	slots   map[*graph.Variable][][]float32
	step    int
	samples int64
}

func newLearner(rule updateRule, parameters []*graph.Variable, schedule DoubleParameterSchedule, options ...Option) *learner {
	if schedule == nil {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "learner %q requires a learning rate schedule", rule.name()))
	}
	l := &learner{
		rule:     rule,
		schedule: schedule,
		params:   make([]*graph.Variable, 0, len(parameters)),
		slots:    make(map[*graph.Variable][][]float32, len(parameters)),
	}
	for _, p := range parameters {
		if p == nil || !p.IsParameter() {
			panic(errors.Wrapf(graph.ErrInvalidArgument, "learner %q can only update parameters, got %s",
				rule.name(), p))
		}
		if _, found := l.slots[p]; found {
			klog.V(1).Infof("learner %q: parameter %s given more than once", rule.name(), p)
			continue
		}
		l.params = append(l.params, p)
		l.slots[p] = zeroSlots(len(rule.slotNames()), p.Shape().TotalSize())
	}
	for _, option := range options {
		option(l)
	}
	return l
}

func zeroSlots(numSlots, size int) [][]float32 {
	slots := make([][]float32, numSlots)
	for ii := range slots {
		slots[ii] = make([]float32, size)
	}
	return slots
}

// Name implements Learner.
func (l *learner) Name() string { return l.rule.name() }

// Parameters implements Learner.
func (l *learner) Parameters() []*graph.Variable { return slices.Clone(l.params) }

// LearningRate implements Learner.
func (l *learner) LearningRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.schedule.At(l.step)
}

// Step implements Learner.
func (l *learner) Step() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.step
}

// String implements fmt.Stringer.
func (l *learner) String() string {
	return fmt.Sprintf("%s(%d parameters, step=%d)", l.rule.name(), len(l.params), l.Step())
}

// pendingUpdate holds the result of one parameter's update until it is committed.
type pendingUpdate struct {
	param *graph.Variable
	grad  *values.Value
	value *values.Value
	slots [][]float32
}

// Update implements Learner.
func (l *learner) Update(gradients *graph.DataMap, sampleCount int) error {
	pending, err := l.PrepareUpdate(gradients, sampleCount)
	if err != nil {
		return err
	}
	return pending.Commit()
}

// PrepareUpdate implements Learner.
func (l *learner) PrepareUpdate(gradients *graph.DataMap, sampleCount int) (PendingUpdate, error) {
	if sampleCount < 0 {
		return nil, errors.Wrapf(graph.ErrInvalidArgument, "learner %q: negative sampleCount %d", l.rule.name(), sampleCount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := &pendingStep{l: l, step: l.step + 1, sampleCount: sampleCount}
	if sampleCount == 0 {
		return pending, nil
	}

	// Validate gradients before computing anything.
	for _, p := range l.params {
		grad := gradients.Get(p)
		if grad == nil {
			continue
		}
		if err := l.checkGradient(p, grad); err != nil {
			return nil, err
		}
		pending.updates = append(pending.updates, &pendingUpdate{param: p, grad: grad})
	}
	if len(pending.updates) == 0 {
		klog.V(2).Infof("learner %q: no gradients for any of the %d parameters", l.rule.name(), len(l.params))
	}

	learningRate := l.schedule.At(l.step)
	var group errgroup.Group
	group.SetLimit(device.MaxNumCPUThreads())
	for _, update := range pending.updates {
		group.Go(func() error {
			return exceptions.TryCatch[error](func() { l.computeUpdate(update, learningRate, pending.step) })
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "learner %q update #%d", l.rule.name(), pending.step)
	}
	return pending, nil
}

// pendingStep implements PendingUpdate for learner.
type pendingStep struct {
	l       *learner
	updates []*pendingUpdate

	// step of the learner once committed.
	step        int
	sampleCount int

	committed      bool
	previousValues []*values.Value
	previousSlots  [][][]float32
}

// Commit implements PendingUpdate.
func (s *pendingStep) Commit() error {
	if s.sampleCount == 0 {
		return nil
	}
	l := s.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.committed {
		return errors.Wrapf(graph.ErrInvalidArgument, "learner %q: update #%d already committed", l.rule.name(), s.step)
	}
	if l.step != s.step-1 {
		return errors.Wrapf(graph.ErrInvalidArgument, "learner %q: update #%d was prepared at step %d, but the learner is at step %d",
			l.rule.name(), s.step, s.step-1, l.step)
	}
	s.previousValues = make([]*values.Value, 0, len(s.updates))
	for _, update := range s.updates {
		previous := update.param.Value()
		if err := update.param.SetValue(update.value); err != nil {
			s.restoreValues()
			return errors.WithMessagef(err, "learner %q committing update #%d", l.rule.name(), s.step)
		}
		s.previousValues = append(s.previousValues, previous)
	}
	s.previousSlots = make([][][]float32, len(s.updates))
	for ii, update := range s.updates {
		s.previousSlots[ii] = l.slots[update.param]
		l.slots[update.param] = update.slots
	}
	l.step = s.step
	l.samples += int64(s.sampleCount)
	s.committed = true
	return nil
}

// Revert implements PendingUpdate.
func (s *pendingStep) Revert() error {
	if s.sampleCount == 0 {
		return nil
	}
	l := s.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if !s.committed {
		return nil
	}
	if l.step != s.step {
		return errors.Wrapf(graph.ErrInvalidArgument, "learner %q: can't revert update #%d, the learner is at step %d",
			l.rule.name(), s.step, l.step)
	}
	s.restoreValues()
	for ii, update := range s.updates {
		l.slots[update.param] = s.previousSlots[ii]
	}
	l.step = s.step - 1
	l.samples -= int64(s.sampleCount)
	s.committed = false
	return nil
}

// restoreValues sets back the values replaced so far by Commit. They were the parameters' own
// values, so SetValue accepts them.
func (s *pendingStep) restoreValues() {
	for ii, previous := range s.previousValues {
		p := s.updates[ii].param
		if err := p.SetValue(previous); err != nil {
			klog.Errorf("learner %q: failed to restore the value of %s: %+v", s.l.rule.name(), p, err)
		}
	}
	s.previousValues = nil
}

func (l *learner) checkGradient(p *graph.Variable, grad *values.Value) error {
	if grad.IsFinalized() {
		return errors.Wrapf(graph.ErrInvalidArgument, "gradient of %s was finalized", p)
	}
	if !grad.Shape().Equal(p.Shape()) || grad.Layout().Kind() != values.StaticLayout {
		return errors.Wrapf(graph.ErrShapeMismatch, "gradient of %s has shape %s (%s)", p, grad.Shape(),
			grad.Layout())
	}
	if grad.Device() != p.Value().Device() {
		return errors.Wrapf(graph.ErrDeviceMismatch, "gradient of %s on %s, parameter on %s", p, grad.Device(),
			p.Value().Device())
	}
	return nil
}

// computeUpdate fills update.value and update.slots. It doesn't change the learner.
func (l *learner) computeUpdate(update *pendingUpdate, learningRate float64, step int) {
	current := update.param.Value()
	param := current.ToVec()
	grad := update.grad.ToVec()
	slots := make([][]float32, len(l.slots[update.param]))
	for ii, slot := range l.slots[update.param] {
		slots[ii] = slices.Clone(slot)
	}
	stepDirection := make([]float32, len(param))
	l.rule.apply(stepDirection, param, grad, slots, learningRate, step)
	clip := float32(l.clipStepByValue)
	for ii, delta := range stepDirection {
		if clip > 0 {
			delta = max(min(delta, clip), -clip)
		}
		param[ii] -= delta
	}
	update.value = must.M1(values.FromFlat(current.Shape(), values.Static(), param, current.Device()))
	update.slots = slots
}

// State implements Learner.
func (l *learner) State() *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := &State{
		Name:    l.rule.name(),
		Step:    l.step,
		Samples: l.samples,
		Slots:   make(map[string]map[string][]float32, len(l.params)),
	}
	names := l.rule.slotNames()
	for _, p := range l.params {
		slots := make(map[string][]float32, len(names))
		for ii, name := range names {
			slots[name] = slices.Clone(l.slots[p][ii])
		}
		state.Slots[p.UID().String()] = slots
	}
	return state
}

// SetState implements Learner. Parameters missing from the state have their slots reset to zero.
func (l *learner) SetState(state *State) error {
	if state.Name != l.rule.name() {
		return errors.Wrapf(graph.ErrInvalidArgument, "state of learner %q can't be restored into learner %q",
			state.Name, l.rule.name())
	}
	if state.Step < 0 {
		return errors.Wrapf(graph.ErrInvalidArgument, "invalid step %d in learner state", state.Step)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	names := l.rule.slotNames()
	restored := make(map[*graph.Variable][][]float32, len(l.params))
	for _, p := range l.params {
		size := p.Shape().TotalSize()
		stored, found := state.Slots[p.UID().String()]
		if !found {
			klog.V(1).Infof("learner %q: no state for %s, starting from zero", l.rule.name(), p)
			restored[p] = zeroSlots(len(names), size)
			continue
		}
		slots := make([][]float32, len(names))
		for ii, name := range names {
			slot, found := stored[name]
			if !found {
				return errors.Wrapf(graph.ErrInvalidArgument, "learner state for %s misses %q", p, name)
			}
			if len(slot) != size {
				return errors.Wrapf(graph.ErrShapeMismatch, "learner state %q for %s has %d elements, wanted %d",
					name, p, len(slot), size)
			}
			slots[ii] = slices.Clone(slot)
		}
		restored[p] = slots
	}
	l.slots = restored
	l.step = state.Step
	l.samples = state.Samples
	return nil
}

// isFinite reports whether x is neither NaN nor infinite.
func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
