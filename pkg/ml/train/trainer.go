// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the Trainer, that couples a model, a loss and learners to train the
// model parameters one minibatch at a time, and a Loop to run it over a Dataset.
package train

import (
	"io"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/ml/learners"
	"github.com/gomlx/symbolic/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer trains the parameters of a model by minimizing a loss, one minibatch at a time.
//
// The loss is summed over all samples of the minibatch (and over its elements, if it is not a
// scalar) before differentiation, and learners get the number of samples the gradients were
// accumulated over.
//
// Its methods are safe for concurrent use, calls are serialized.
type Trainer struct {
	model, loss, metric *graph.Function
	lossVar, metricVar  *graph.Variable
	learners            []learners.Learner
	parameters          []*graph.Variable

	// exec bundles loss, metric and model outputs in one function.
	exec *graph.Function

	trainMetrics []metrics.Interface

	mu                         sync.Mutex
	prevLossSum, prevMetricSum float64
	prevSamples                int
	totalSamples               int64
	numMinibatches             int64

	// Gradient accumulation, see AccumulateGradients.
	numAccumulating                      int
	accumulated                          *graph.DataMap
	accumulatedCount, accumulatedSamples int
}

// NewTrainer creates a Trainer that updates the parameters of the learners to minimize loss.
//
// The loss must be a single output Function, usually built on top of the model. Every parameter
// of the learners must be part of the loss or the model, and no parameter can be updated by
// more than one learner.
func NewTrainer(model, loss *graph.Function, learnerList ...learners.Learner) (*Trainer, error) {
	return NewTrainerWithEvaluation(model, loss, nil, learnerList...)
}

// NewTrainerWithEvaluation is like NewTrainer, but also evaluates the given metric (e.g. a
// classification error) on every minibatch. The metric never contributes to the gradients.
func NewTrainerWithEvaluation(model, loss, metric *graph.Function, learnerList ...learners.Learner) (*Trainer, error) {
	if model == nil || loss == nil {
		return nil, errors.Wrapf(graph.ErrInvalidArgument, "NewTrainer() requires a model and a loss")
	}
	if loss.NumOutputs() != 1 || (metric != nil && metric.NumOutputs() != 1) {
		return nil, errors.Wrapf(graph.ErrInvalidArgument, "NewTrainer() requires single output loss and metric functions")
	}
	if len(learnerList) == 0 {
		return nil, errors.Wrapf(graph.ErrInvalidArgument, "NewTrainer() requires at least one learner")
	}
	t := &Trainer{
		model:           model,
		loss:            loss,
		metric:          metric,
		lossVar:         loss.Output(),
		learners:        slices.Clone(learnerList),
		numAccumulating: 1,
	}

	// Execution function: loss first, then metric and model outputs not yet included.
	outputs := []graph.Operand{t.lossVar}
	seen := map[*graph.Variable]bool{t.lossVar: true}
	if metric != nil {
		t.metricVar = metric.Output()
		if !seen[t.metricVar] {
			outputs = append(outputs, t.metricVar)
			seen[t.metricVar] = true
		}
	}
	for _, v := range model.Outputs() {
		if !seen[v] {
			outputs = append(outputs, v)
			seen[v] = true
		}
	}
	t.exec = graph.Combine(outputs...)
	if placeholders := t.exec.Placeholders(); len(placeholders) > 0 {
		return nil, errors.Wrapf(graph.ErrUnresolvedPlaceholder, "NewTrainer(): %d placeholder(s) not replaced, e.g. %s",
			len(placeholders), placeholders[0])
	}

	owner := make(map[*graph.Variable]learners.Learner)
	for _, learner := range t.learners {
		for _, p := range learner.Parameters() {
			if other, found := owner[p]; found {
				return nil, errors.Wrapf(graph.ErrInvalidArgument, "NewTrainer(): parameter %s is updated by learners %q and %q",
					p, other.Name(), learner.Name())
			}
			owner[p] = learner
			if !t.exec.Contains(p) {
				return nil, errors.Wrapf(graph.ErrInvalidArgument, "NewTrainer(): parameter %s of learner %q is not used by the loss or the model",
					p, learner.Name())
			}
			t.parameters = append(t.parameters, p)
		}
	}
	t.trainMetrics = []metrics.Interface{
		metrics.NewMeanMetric("Mean Loss", "loss", nil),
		metrics.NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", nil, 0.01),
	}
	if metric != nil {
		t.trainMetrics = append(t.trainMetrics,
			metrics.NewMeanMetric("Mean Evaluation", "eval", nil),
			metrics.NewExponentialMovingAverageMetric("Moving Average Evaluation", "~eval", nil, 0.01))
	}
	return t, nil
}

func asOperands(vars []*graph.Variable) []graph.Operand {
	operands := make([]graph.Operand, len(vars))
	for ii, v := range vars {
		operands[ii] = v
	}
	return operands
}

// sumValue returns the sum of all elements of all samples of value.
func sumValue(value *values.Value) float64 {
	var sum float64
	value.ConstFlatData(func(flat []float32) {
		for _, x := range flat {
			sum += float64(x)
		}
	})
	return sum
}

// TrainMinibatch runs one training step: a forward pass over arguments, the backward pass from the
// loss (seeded with ones) and one update of every learner. The forward pass runs with graph.Training(),
// so operators like graph.Dropout are active.
//
// If outputsToFetch is not nil, its variables (which can be any variable of the model or loss)
// are filled with the values computed by the forward pass.
//
// An error in the forward or backward passes leaves the parameters untouched.
func (t *Trainer) TrainMinibatch(arguments, outputsToFetch *graph.DataMap, dev device.Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	outputs := graph.NewDataMap().AddNull(t.lossVar)
	if t.metricVar != nil {
		outputs.AddNull(t.metricVar)
	}
	var fetch []*graph.Variable
	if outputsToFetch != nil {
		fetch = outputsToFetch.Variables()
		for _, v := range fetch {
			if !outputs.Has(v) {
				outputs.AddNull(v)
			}
		}
	}
	state, err := t.exec.Forward(arguments, outputs, dev, graph.NewVariableSet(t.lossVar),
		graph.NewVariableSet(asOperands(t.parameters)...), graph.Training())
	if err != nil {
		return errors.WithMessagef(err, "TrainMinibatch(#%d)", t.numMinibatches)
	}
	gradients := graph.NewDataMap()
	if err := t.exec.Backward(state, graph.NewDataMap().AddNull(t.lossVar), gradients); err != nil {
		return errors.WithMessagef(err, "TrainMinibatch(#%d)", t.numMinibatches)
	}
	lossValue := outputs.Get(t.lossVar)
	samples := lossValue.NumSamples()
	lossSum := sumValue(lossValue)

	updateSamples := samples
	applyUpdate := true
	if t.numAccumulating > 1 {
		if err := t.accumulate(gradients, dev); err != nil {
			return errors.WithMessagef(err, "TrainMinibatch(#%d)", t.numMinibatches)
		}
		t.accumulatedCount++
		t.accumulatedSamples += samples
		applyUpdate = t.accumulatedCount == t.numAccumulating
		if applyUpdate {
			gradients, updateSamples = t.accumulated, t.accumulatedSamples
			t.accumulated, t.accumulatedCount, t.accumulatedSamples = nil, 0, 0
		}
	}
	if applyUpdate {
		if err := t.updateLearners(gradients, updateSamples); err != nil {
			return errors.WithMessagef(err, "TrainMinibatch(#%d)", t.numMinibatches)
		}
	}

	// Statistics.
	t.prevLossSum, t.prevSamples = lossSum, samples
	t.prevMetricSum = math.NaN()
	if t.metricVar != nil {
		t.prevMetricSum = sumValue(outputs.Get(t.metricVar))
	}
	t.totalSamples += int64(samples)
	t.numMinibatches++
	for ii, metric := range t.trainMetrics {
		if ii < 2 {
			metric.Update(lossSum, samples)
		} else {
			metric.Update(t.prevMetricSum, samples)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("TrainMinibatch(#%d): %d samples, loss=%g", t.numMinibatches-1, samples, lossSum/float64(max(samples, 1)))
	}

	for _, v := range fetch {
		outputsToFetch.Add(v, outputs.Get(v))
	}
	return nil
}

// updateLearners applies one update of every learner. All updates are prepared before any is
// committed, and if a commit fails the ones already committed are reverted.
func (t *Trainer) updateLearners(gradients *graph.DataMap, sampleCount int) error {
	pending := make([]learners.PendingUpdate, len(t.learners))
	for ii, learner := range t.learners {
		update, err := learner.PrepareUpdate(gradients, sampleCount)
		if err != nil {
			return errors.WithMessagef(err, "learner %q", learner.Name())
		}
		pending[ii] = update
	}
	for ii, update := range pending {
		if err := update.Commit(); err != nil {
			for jj := ii - 1; jj >= 0; jj-- {
				if revertErr := pending[jj].Revert(); revertErr != nil {
					klog.Errorf("failed to revert the update of learner %q: %+v", t.learners[jj].Name(), revertErr)
				}
			}
			return errors.WithMessagef(err, "learner %q", t.learners[ii].Name())
		}
	}
	return nil
}

// accumulate adds gradients to t.accumulated.
func (t *Trainer) accumulate(gradients *graph.DataMap, dev device.Descriptor) error {
	if t.accumulated == nil {
		t.accumulated = graph.NewDataMap()
	}
	for _, p := range t.parameters {
		grad := gradients.Get(p)
		if grad == nil {
			continue
		}
		prev := t.accumulated.Get(p)
		if prev == nil {
			t.accumulated.Add(p, grad)
			continue
		}
		sum := prev.ToVec()
		grad.ConstFlatData(func(flat []float32) {
			for ii, x := range flat {
				sum[ii] += x
			}
		})
		value, err := values.FromFlat(prev.Shape(), values.Static(), sum, dev)
		if err != nil {
			return err
		}
		t.accumulated.Add(p, value)
	}
	return nil
}

// AccumulateGradients configures the trainer to sum the gradients of n consecutive minibatches
// before updating the parameters once. The default is 1, an update per minibatch.
//
// It returns an error if n < 1 or if gradients are currently being accumulated.
func (t *Trainer) AccumulateGradients(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 1 {
		return errors.Wrapf(graph.ErrInvalidArgument, "AccumulateGradients(%d): n must be >= 1", n)
	}
	if t.accumulatedCount > 0 {
		return errors.Wrapf(graph.ErrInvalidArgument, "AccumulateGradients(%d): %d minibatches already accumulated",
			n, t.accumulatedCount)
	}
	t.numAccumulating = n
	return nil
}

// NumAccumulatingSteps returns the number of minibatches accumulated per update.
func (t *Trainer) NumAccumulatingSteps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numAccumulating
}

// TestMinibatch evaluates the metric on arguments and returns its average per sample.
// It doesn't change the parameters or the statistics of the trainer.
// It returns an error wrapping graph.ErrInvalidArgument if arguments hold no samples.
func (t *Trainer) TestMinibatch(arguments *graph.DataMap, dev device.Descriptor) (float64, error) {
	sum, samples, err := t.testMinibatch(arguments, dev)
	if err != nil {
		return 0, errors.WithMessage(err, "TestMinibatch()")
	}
	if samples == 0 {
		return 0, errors.Wrapf(graph.ErrInvalidArgument, "TestMinibatch(): minibatch has no samples")
	}
	return sum / float64(samples), nil
}

// testMinibatch returns the sum of the metric over the samples of arguments, and the number of samples.
func (t *Trainer) testMinibatch(arguments *graph.DataMap, dev device.Descriptor) (sum float64, samples int, err error) {
	if t.metric == nil {
		return 0, 0, errors.Wrapf(graph.ErrInvalidArgument, "trainer has no evaluation metric")
	}
	outputs := graph.NewDataMap().AddNull(t.metricVar)
	if err = t.metric.Evaluate(arguments, outputs, dev); err != nil {
		return 0, 0, err
	}
	value := outputs.Get(t.metricVar)
	return sumValue(value), value.NumSamples(), nil
}

// Eval evaluates the metric over all minibatches of ds, and returns its average per sample.
// The dataset is reset before and after the evaluation, and it must not be infinite.
//
// Yielded values are finalized after use, unless ds implements DatasetCustomOwnership and says otherwise.
func (t *Trainer) Eval(ds Dataset, dev device.Descriptor) (float64, error) {
	finalize := finalizeYieldedValues(ds)
	ds.Reset()
	defer ds.Reset()
	var sum float64
	var samples int64
	for {
		arguments, err := yield(ds)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "Eval(%q): failed reading from dataset", ds.Name())
		}
		if err = checkYield(arguments); err != nil {
			return 0, err
		}
		batchSum, batchSamples, err := t.testMinibatch(arguments, dev)
		if err != nil {
			return 0, errors.WithMessagef(err, "Eval(%q)", ds.Name())
		}
		if finalize {
			finalizeValues(arguments)
		}
		sum += batchSum
		samples += int64(batchSamples)
	}
	if samples == 0 {
		return 0, errors.Wrapf(graph.ErrInvalidArgument, "Eval(%q): dataset yielded no samples", ds.Name())
	}
	return sum / float64(samples), nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *graph.Function { return t.model }

// Loss returns the loss function minimized.
func (t *Trainer) Loss() *graph.Function { return t.loss }

// Metric returns the evaluation metric, or nil.
func (t *Trainer) Metric() *graph.Function { return t.metric }

// Learners returns the learners updating the parameters.
func (t *Trainer) Learners() []learners.Learner { return slices.Clone(t.learners) }

// Parameters returns the parameters trained, in the order of the learners.
func (t *Trainer) Parameters() []*graph.Variable { return slices.Clone(t.parameters) }

// TrainMetrics returns snapshots of the running statistics of the loss, followed by those of the
// evaluation metric if there is one. Snapshots don't change with later minibatches.
func (t *Trainer) TrainMetrics() []metrics.Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshots := make([]metrics.Interface, len(t.trainMetrics))
	for ii, metric := range t.trainMetrics {
		snapshots[ii] = metrics.Snapshot(metric)
	}
	return snapshots
}

// ResetTrainMetrics resets the running statistics returned by TrainMetrics.
func (t *Trainer) ResetTrainMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, metric := range t.trainMetrics {
		metric.Reset()
	}
}

// PreviousMinibatchLossAverage returns the loss per sample of the last minibatch trained.
// It is NaN before the first minibatch.
func (t *Trainer) PreviousMinibatchLossAverage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prevSamples == 0 {
		return math.NaN()
	}
	return t.prevLossSum / float64(t.prevSamples)
}

// PreviousMinibatchEvaluationAverage returns the evaluation metric per sample of the last minibatch
// trained. It is NaN before the first minibatch, or if there is no metric.
func (t *Trainer) PreviousMinibatchEvaluationAverage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prevSamples == 0 {
		return math.NaN()
	}
	return t.prevMetricSum / float64(t.prevSamples)
}

// PreviousMinibatchSampleCount returns the number of samples of the last minibatch trained.
func (t *Trainer) PreviousMinibatchSampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevSamples
}

// TotalNumberOfSamplesSeen returns the number of samples of all minibatches trained.
func (t *Trainer) TotalNumberOfSamplesSeen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSamples
}

// NumMinibatches returns the number of minibatches trained.
func (t *Trainer) NumMinibatches() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numMinibatches
}
