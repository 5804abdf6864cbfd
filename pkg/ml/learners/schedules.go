// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package learners

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/pkg/errors"
)

// DoubleParameterSchedule gives the value of a hyperparameter (usually the learning rate) for each
// training step. Learners advance it exactly once per update.
type DoubleParameterSchedule interface {
	// At returns the value for the given 0-based step. It must be deterministic.
	At(step int) float64
}

// constantSchedule implements DoubleParameterSchedule with a fixed value.
type constantSchedule float64

func (c constantSchedule) At(int) float64 { return float64(c) }

func (c constantSchedule) String() string { return fmt.Sprintf("Constant(%g)", float64(c)) }

// Constant returns a schedule that always returns value.
func Constant(value float64) DoubleParameterSchedule {
	if !isFinite(value) || value < 0 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "invalid constant schedule value %g", value))
	}
	return constantSchedule(value)
}

// piecewiseSchedule implements DoubleParameterSchedule with a list of values, each used for a
// fixed number of steps.
type piecewiseSchedule struct {
	values        []float64
	stepsPerValue int
}

// PiecewiseConstant returns a schedule that uses values[0] for the first stepsPerValue steps,
// values[1] for the following stepsPerValue steps and so on. The last value is used for all the
// steps after that.
func PiecewiseConstant(values []float64, stepsPerValue int) DoubleParameterSchedule {
	if len(values) == 0 || stepsPerValue < 1 {
		panic(errors.Wrapf(graph.ErrInvalidArgument,
			"PiecewiseConstant requires at least one value and stepsPerValue >= 1, got %d values and stepsPerValue=%d",
			len(values), stepsPerValue))
	}
	for _, value := range values {
		if !isFinite(value) || value < 0 {
			panic(errors.Wrapf(graph.ErrInvalidArgument, "invalid PiecewiseConstant value %g", value))
		}
	}
	return &piecewiseSchedule{values: slices.Clone(values), stepsPerValue: stepsPerValue}
}

func (s *piecewiseSchedule) At(step int) float64 {
	idx := max(step, 0) / s.stepsPerValue
	return s.values[min(idx, len(s.values)-1)]
}

func (s *piecewiseSchedule) String() string {
	return fmt.Sprintf("PiecewiseConstant(%v, every %d steps)", s.values, s.stepsPerValue)
}

// CosineAnnealingSchedule implements DoubleParameterSchedule with a cosine annealing with restarts:
// the value goes from learningRate down to minLearningRate following half a cosine cycle over
// periodNumSteps, and then restarts.
//
// Create it with CosineAnnealing and optionally configure a warm-up.
type CosineAnnealingSchedule struct {
	learningRate, minLearningRate float64
	periodNumSteps, warmUpSteps   int
}

// CosineAnnealing creates a cosine annealing schedule, with one cycle every periodNumSteps steps.
func CosineAnnealing(learningRate, minLearningRate float64, periodNumSteps int) *CosineAnnealingSchedule {
	if !isFinite(learningRate) || !isFinite(minLearningRate) || minLearningRate < 0 || learningRate < minLearningRate {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "CosineAnnealing requires 0 <= minLearningRate <= learningRate, got %g and %g",
			minLearningRate, learningRate))
	}
	if periodNumSteps < 1 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "CosineAnnealing requires periodNumSteps >= 1, got %d", periodNumSteps))
	}
	return &CosineAnnealingSchedule{
		learningRate:    learningRate,
		minLearningRate: minLearningRate,
		periodNumSteps:  periodNumSteps,
	}
}

// WarmUpSteps configures a linear warm-up from 0 to learningRate during the first steps, before the
// cosine cycles start. The default is 0, which means no warm-up.
func (s *CosineAnnealingSchedule) WarmUpSteps(steps int) *CosineAnnealingSchedule {
	s.warmUpSteps = max(steps, 0)
	return s
}

// At implements DoubleParameterSchedule.
func (s *CosineAnnealingSchedule) At(step int) float64 {
	step = max(step, 0)
	if step < s.warmUpSteps {
		return s.learningRate * float64(step+1) / float64(s.warmUpSteps+1)
	}
	cycle := float64(step-s.warmUpSteps) / float64(s.periodNumSteps)
	cycle -= math.Floor(cycle) // Fraction of half-circle, in [0, 1).
	scale := (math.Cos(cycle*math.Pi) + 1) / 2
	return s.minLearningRate + scale*(s.learningRate-s.minLearningRate)
}

func (s *CosineAnnealingSchedule) String() string {
	return fmt.Sprintf("CosineAnnealing(%g -> %g, period=%d, warm-up=%d)", s.learningRate, s.minLearningRate,
		s.periodNumSteps, s.warmUpSteps)
}
