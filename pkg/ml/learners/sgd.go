// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package learners

import (
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/pkg/errors"
)

// DefaultMomentum used by the "momentum" entry of KnownLearners.
const DefaultMomentum = 0.9

// SGD returns a plain stochastic gradient descent learner: param -= learningRate * gradient.
func SGD(parameters []*graph.Variable, learningRate DoubleParameterSchedule, options ...Option) Learner {
	return newLearner(sgdRule{}, parameters, learningRate, options...)
}

type sgdRule struct{}

func (sgdRule) name() string { return "sgd" }

func (sgdRule) slotNames() []string { return nil }

func (sgdRule) apply(stepDirection, _, grad []float32, _ [][]float32, learningRate float64, _ int) {
	lr := float32(learningRate)
	for ii, g := range grad {
		stepDirection[ii] = lr * g
	}
}

// MomentumSGD returns a stochastic gradient descent learner with momentum: it keeps a velocity per
// parameter, updated as velocity = momentum * velocity + gradient, and then
// param -= learningRate * velocity.
func MomentumSGD(parameters []*graph.Variable, learningRate DoubleParameterSchedule, momentum float64,
	options ...Option) Learner {
	if momentum < 0 || momentum >= 1 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "momentum must be in [0, 1), got %g", momentum))
	}
	return newLearner(momentumRule{momentum: float32(momentum)}, parameters, learningRate, options...)
}

type momentumRule struct {
	momentum float32
}

func (momentumRule) name() string { return "momentum" }

func (momentumRule) slotNames() []string { return []string{"velocity"} }

func (r momentumRule) apply(stepDirection, _, grad []float32, slots [][]float32, learningRate float64, _ int) {
	lr := float32(learningRate)
	velocity := slots[0]
	for ii, g := range grad {
		velocity[ii] = r.momentum*velocity[ii] + g
		stepDirection[ii] = lr * velocity[ii]
	}
}
