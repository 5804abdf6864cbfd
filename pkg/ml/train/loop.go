// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. lossAverage is the loss per sample of the minibatch just trained.
type OnStepFn func(loop *Loop, lossAverage float64) error

// OnEndFn is the type of OnEnd hooks. lossAverage is the loss per sample of the last minibatch trained.
type OnEndFn func(loop *Loop, lossAverage float64) error

// Loop will run a training loop, invoking Trainer.TrainMinibatch every step,
// and calling the appropriate hooks.
//
// It also converts errors thrown with `panic` by datasets and return them instead as normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, progress bars, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// Device where the training is executed.
	Device device.Descriptor

	// LoopStep currently being executed. It is initialized with the number of minibatches
	// already trained by the Trainer, which will be 0 for a new trainer.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it can
	// change during the run (after the first epoch, the value is extrapolated based on how many steps
	// have been run so far).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	// finalizeYielded indicates whether the dataset yielded values should be finalized.
	// True by default.
	finalizeYielded bool
}

// NewLoop creates a new training loop for the trainer, executing on dev.
func NewLoop(trainer *Trainer, dev device.Descriptor) *Loop {
	return &Loop{
		Trainer:    trainer,
		Device:     dev,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		LoopStep:   int(trainer.NumMinibatches()),
	}
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(arguments *graph.DataMap) (lossAverage float64, err error) {
	startTime := time.Now()
	err = loop.Trainer.TrainMinibatch(arguments, nil, loop.Device)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return 0, err
	}

	// Free the arguments: the executor keeps its own copies.
	if loop.finalizeYielded {
		finalizeValues(arguments)
	}

	lossAverage = loop.Trainer.PreviousMinibatchLossAverage()
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, lossAverage)
		if err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(lossAverage) {
		return 0, errors.Errorf("minibatch loss is NaN, training interrupted")
	}
	if math.IsInf(lossAverage, 0) {
		return 0, errors.Errorf("minibatch loss is infinity (%f), training interrupted", lossAverage)
	}
	return lossAverage, nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(lossAverage float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, lossAverage); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// finalizeYieldedValues checks whether for this dataset the yielded values should be finalized.
func finalizeYieldedValues(ds Dataset) bool {
	dsOwnership, ok := ds.(DatasetCustomOwnership)
	if !ok {
		// Default is true, if not otherwise configured.
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}

// finalizeValues frees all values in arguments.
func finalizeValues(arguments *graph.DataMap) {
	for _, v := range arguments.Variables() {
		if value := arguments.Get(v); value != nil {
			value.Finalize()
		}
	}
}

func checkYield(arguments *graph.DataMap) error {
	if arguments == nil || arguments.Len() == 0 {
		return errors.Wrapf(graph.ErrMissingBinding, "dataset yielded no arguments")
	}
	for _, v := range arguments.Variables() {
		value := arguments.Get(v)
		if value == nil || value.IsFinalized() {
			return errors.Wrapf(graph.ErrInvalidArgument,
				"dataset yielded an invalid value for %s, -- likely it has already been finalized "+
					"(freed). The training loop by default immediately frees the yielded values after use. If the "+
					"dataset is trying to reuse values, consider implementing the method IsOwnershipTransferred() "+
					"in your dataset, and return false.", v)
		}
	}
	return nil
}

// yield reads the next minibatch, converting panics to errors.
func yield(ds Dataset) (arguments *graph.DataMap, err error) {
	panicErr := exceptions.TryCatch[error](func() { arguments, err = ds.Yield() })
	if panicErr != nil {
		return nil, panicErr
	}
	return
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the loss per sample of the last minibatch trained.
//
// Note: values yielded by the dataset are immediately finalized (freed) after use in each step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (lossAverage float64, err error) {
	if steps <= 0 {
		return math.NaN(), nil
	}
	loop.Trainer.ResetTrainMetrics()
	loop.finalizeYielded = finalizeYieldedValues(ds)
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		arguments, err := yield(ds)
		if err != nil {
			if err == io.EOF {
				return 0, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		if err = checkYield(arguments); err != nil {
			return 0, err
		}
		lossAverage, err = loop.step(arguments)
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainMinibatch(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(lossAverage); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return lossAverage, nil
}

// RunEpochs runs those many passes over the dataset. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and will
// be adjusted to expectation after the first epoch, when one knows how many steps there are
// going to be.
// Dataset.Reset is called after each epoch (including the last).
//
// Note: values yielded by the dataset are immediately finalized (freed) after use in each step.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (lossAverage float64, err error) {
	lossAverage = math.NaN()
	loop.Trainer.ResetTrainMetrics()
	loop.finalizeYielded = finalizeYieldedValues(ds)
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			arguments, err := yield(ds)
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep) and reset.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			if err = checkYield(arguments); err != nil {
				return 0, err
			}
			yieldsPerEpoch++
			lossAverage, err = loop.step(arguments)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainMinibatch(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return 0, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no minibatches", epochs, ds.Name())
		}
	}
	if err = loop.end(lossAverage); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return lossAverage, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainMinibatch`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainMinibatch`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
