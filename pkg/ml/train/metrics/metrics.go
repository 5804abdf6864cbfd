// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the running statistics a Trainer keeps over the values (loss or
// evaluation metric) of each minibatch.
//
// Each minibatch contributes the sum of its per-sample values and its number of samples. What is
// reported (mean, moving average, median) depends on the metric.
package metrics

import (
	"fmt"
	"math"
)

// Interface of a running metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few letters) to display in progress bars.
	ShortName() string

	// Update the metric with the sum of the per-sample values of a minibatch and its number of samples.
	// Minibatches with no samples are ignored.
	Update(sum float64, numSamples int)

	// Value of the metric. It is NaN if no minibatch was seen since the last Reset.
	Value() float64

	// PrettyPrint formats a value of the metric.
	PrettyPrint(value float64) string

	// Reset the metric to its initial state.
	Reset()
}

// PrettyPrintFn formats a metric value.
type PrettyPrintFn func(value float64) string

// baseMetric holds the names and printing of a metric.
type baseMetric struct {
	name, shortName string
	pPrintFn        PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

// PercentagePrint formats values in [0, 1] as percentages, e.g. for classification errors.
func PercentagePrint(value float64) string {
	return fmt.Sprintf("%.2f%%", 100*value)
}

// MeanMetric keeps the per-sample mean over all minibatches seen since the last Reset.
type MeanMetric struct {
	baseMetric
	sum   float64
	count int64
}

var _ Interface = (*MeanMetric)(nil)

// NewMeanMetric creates a MeanMetric. pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName string, pPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, pPrintFn: pPrintFn}}
}

// Update implements Interface.
func (m *MeanMetric) Update(sum float64, numSamples int) {
	if numSamples <= 0 {
		return
	}
	m.sum += sum
	m.count += int64(numSamples)
}

// Value implements Interface.
func (m *MeanMetric) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.sum, m.count = 0, 0
}

// movingAverageMetric implements an exponential moving average of the minibatch means.
//
// It behaves just like a mean of the minibatch means, until there are enough minibatches to make
// 1/count smaller than newExampleWeight.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	mean             float64
	count            int64
}

// NewExponentialMovingAverageMetric creates a metric that takes the mean of each new minibatch with
// the given weight (newExampleWeight), and decays the previous value by 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
func NewExponentialMovingAverageMetric(name, shortName string, pPrintFn PrettyPrintFn, newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

func (m *movingAverageMetric) Update(sum float64, numSamples int) {
	if numSamples <= 0 {
		return
	}
	m.count++
	weight := max(m.newExampleWeight, 1/float64(m.count))
	m.mean = m.mean*(1-weight) + weight*sum/float64(numSamples)
}

func (m *movingAverageMetric) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.mean
}

func (m *movingAverageMetric) Reset() {
	m.mean, m.count = 0, 0
}

// snapshotMetric is a frozen copy of a metric, see Snapshot.
type snapshotMetric struct {
	Interface
	value float64
}

// Snapshot returns a copy of m whose Value is fixed to the current value of m. Update and Reset of the
// snapshot do nothing, and later updates of m don't affect it.
func Snapshot(m Interface) Interface {
	return &snapshotMetric{Interface: m, value: m.Value()}
}

func (m *snapshotMetric) Value() float64 { return m.value }

func (m *snapshotMetric) Update(float64, int) {}

func (m *snapshotMetric) Reset() {}
