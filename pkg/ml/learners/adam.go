// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package learners

import (
	"math"

	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/pkg/errors"
)

const (
	// DefaultAdamBeta1 is the default decay of the first moment (momentum) of the gradients.
	DefaultAdamBeta1 = 0.9

	// DefaultAdamBeta2 is the default decay of the second moment (variance) of the gradients.
	DefaultAdamBeta2 = 0.999

	// DefaultAdamEpsilon is added to the denominator for numerical stability.
	DefaultAdamEpsilon = 1e-7

	// DefaultAdamWWeightDecay is the weight decay used by the "adamw" entry of KnownLearners.
	DefaultAdamWWeightDecay = 0.004
)

// AdamConfig holds the configuration of an Adam learner. Create it with Adam, configure it with
// its methods, and call Done to create the Learner.
type AdamConfig struct {
	parameters   []*graph.Variable
	learningRate DoubleParameterSchedule
	options      []Option

	beta1, beta2, epsilon float64
	adamax, rmsProp       bool
	weightDecay           float64
	backoffSteps          int
}

// Adam starts the configuration of an Adam learner, as described in https://arxiv.org/abs/1412.6980.
func Adam(parameters []*graph.Variable, learningRate DoubleParameterSchedule) *AdamConfig {
	return &AdamConfig{
		parameters:   parameters,
		learningRate: learningRate,
		beta1:        DefaultAdamBeta1,
		beta2:        DefaultAdamBeta2,
		epsilon:      DefaultAdamEpsilon,
	}
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// RMSProp disables the first moment: the step is the gradient normalized by the square root of
// its second moment.
func (c *AdamConfig) RMSProp() *AdamConfig {
	c.rmsProp = true
	return c
}

// WeightDecay configures the learner to work as AdamW, with the given static weight decay, also
// scaled by the learning rate.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any step to be taken until numSteps updates have been seen, to allow
// for a better estimate of the moments before the optimization starts. The moments are still updated.
//
// If set to <= 0, no backoff is configured. That is the default.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// Options adds generic learner options, like ClipStepByValue.
func (c *AdamConfig) Options(options ...Option) *AdamConfig {
	c.options = append(c.options, options...)
	return c
}

// Done finishes the configuration and creates the Learner.
func (c *AdamConfig) Done() Learner {
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "Adam betas must be in [0, 1), got %g and %g", c.beta1, c.beta2))
	}
	if c.epsilon <= 0 || c.weightDecay < 0 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "Adam requires epsilon > 0 and weightDecay >= 0, got %g and %g",
			c.epsilon, c.weightDecay))
	}
	rule := &adamRule{
		beta1:        c.beta1,
		beta2:        c.beta2,
		epsilon:      c.epsilon,
		adamax:       c.adamax,
		rmsProp:      c.rmsProp,
		weightDecay:  c.weightDecay,
		backoffSteps: c.backoffSteps,
	}
	return newLearner(rule, c.parameters, c.learningRate, c.options...)
}

// adamRule implements Adam and its variants.
type adamRule struct {
	beta1, beta2, epsilon float64
	adamax, rmsProp       bool
	weightDecay           float64
	backoffSteps          int
}

func (r *adamRule) name() string {
	switch {
	case r.rmsProp:
		return "rmsprop"
	case r.adamax:
		return "adamax"
	case r.weightDecay > 0:
		return "adamw"
	}
	return "adam"
}

func (r *adamRule) slotNames() []string {
	if r.rmsProp {
		return []string{"moment2"}
	}
	return []string{"moment1", "moment2"}
}

func (r *adamRule) apply(stepDirection, param, grad []float32, slots [][]float32, learningRate float64, step int) {
	if r.backoffSteps > 0 && step <= r.backoffSteps {
		learningRate = 0
	}
	debiasTermBeta1 := 1 / (1 - math.Pow(r.beta1, float64(step)))
	debiasTermBeta2 := 1 / (1 - math.Pow(r.beta2, float64(step)))
	var moment1 []float32
	if !r.rmsProp {
		moment1 = slots[0]
	}
	moment2 := slots[len(slots)-1]

	for ii, g32 := range grad {
		g := float64(g32)
		debiasedMoment1 := g
		if !r.rmsProp {
			m1 := r.beta1*float64(moment1[ii]) + (1-r.beta1)*g
			moment1[ii] = float32(m1)
			debiasedMoment1 = m1 * debiasTermBeta1
		}

		var denominator float64
		if r.adamax {
			m2 := math.Max(r.beta2*float64(moment2[ii]), math.Abs(g))
			moment2[ii] = float32(m2)
			denominator = m2 + r.epsilon
		} else {
			m2 := r.beta2*float64(moment2[ii]) + (1-r.beta2)*g*g
			moment2[ii] = float32(m2)
			denominator = math.Sqrt(m2*debiasTermBeta2) + r.epsilon
		}

		direction := learningRate * debiasedMoment1 / denominator
		if r.weightDecay > 0 {
			direction += learningRate * r.weightDecay * float64(param[ii])
		}
		stepDirection[ii] = float32(direction)
	}
}
