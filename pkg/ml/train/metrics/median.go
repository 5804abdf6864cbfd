// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
)

// DefaultMedianSampleSize is the number of minibatch means kept by a StreamingMedianMetric.
const DefaultMedianSampleSize = 1000

// StreamingMedianMetric keeps an approximate median of the minibatch means, using reservoir
// sampling once more than its sample size of minibatches are seen.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

var _ Interface = (*StreamingMedianMetric)(nil)

// NewMedianMetric creates a streaming median metric.
//
// Notice it keeps the median of the minibatch means, not of the individual samples. This may be
// a reasonable approximation, but something to be mindful of.
//
// pPrintFn can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName string, pPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric:    baseMetric{name: name, shortName: shortName, pPrintFn: pPrintFn},
		maxNumSamples: DefaultMedianSampleSize,
	}
}

// WithSampleSize sets the number of minibatch means to keep. Values < 1 are taken as 1.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = max(n, 1)
	m.Reset()
	return m
}

// WithSeed makes the reservoir sampling deterministic.
func (m *StreamingMedianMetric) WithSeed(seed uint64) *StreamingMedianMetric {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(sum float64, numSamples int) {
	if numSamples <= 0 {
		return
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	x := sum / float64(numSamples)
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Value implements Interface.
func (m *StreamingMedianMetric) Value() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
