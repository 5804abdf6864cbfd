// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package values

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/support/xslices"
)

// LayoutKind enumerates how the samples of a Value are organized along its dynamic axes.
type LayoutKind int

const (
	// StaticLayout holds exactly one sample and has no dynamic axes.
	StaticLayout LayoutKind = iota

	// BatchLayout holds a batch of independent samples (the batch axis).
	BatchLayout

	// SequencesLayout holds a batch of sequences of possibly different lengths (sequence and batch axes).
	// Samples are packed contiguously, sequence after sequence, without padding.
	SequencesLayout
)

// String implements fmt.Stringer.
func (k LayoutKind) String() string {
	switch k {
	case StaticLayout:
		return "Static"
	case BatchLayout:
		return "Batch"
	case SequencesLayout:
		return "Sequences"
	}
	return fmt.Sprintf("LayoutKind(%d)", int(k))
}

// Layout describes how the samples of a Value are organized along its dynamic axes.
//
// Layout is immutable: the constructors copy their arguments, and accessors return copies.
type Layout struct {
	kind      LayoutKind
	batchSize int
	seqLens   []int
}

// Static returns the layout of a value with a single sample and no dynamic axes.
func Static() Layout { return Layout{kind: StaticLayout, batchSize: 1} }

// Batch returns the layout of a batch of n samples. It panics if n is negative.
func Batch(n int) Layout {
	if n < 0 {
		exceptions.Panicf("values.Batch(%d): batch size must be >= 0", n)
	}
	return Layout{kind: BatchLayout, batchSize: n}
}

// Sequences returns the layout of a batch of sequences with the given lengths.
// It panics if any length is negative.
func Sequences(lengths ...int) Layout {
	for _, l := range lengths {
		if l < 0 {
			exceptions.Panicf("values.Sequences(%v): sequence lengths must be >= 0", lengths)
		}
	}
	return Layout{kind: SequencesLayout, batchSize: len(lengths), seqLens: slices.Clone(lengths)}
}

// Kind of the layout.
func (l Layout) Kind() LayoutKind { return l.kind }

// NumSamples is the total number of samples held: 1 for static, the batch size for a batch, and the
// sum of the sequence lengths for sequences.
func (l Layout) NumSamples() int {
	if l.kind == SequencesLayout {
		return xslices.Sum(l.seqLens)
	}
	return l.batchSize
}

// BatchSize is the number of elements along the batch axis: 1 for static, the number of samples
// for a batch, and the number of sequences for sequences.
func (l Layout) BatchSize() int { return l.batchSize }

// SequenceLengths returns a copy of the lengths of each sequence, or nil if it is not a sequences layout.
func (l Layout) SequenceLengths() []int { return slices.Clone(l.seqLens) }

// SequenceOffsets returns the index of the first sample of each sequence, plus one last element with
// the total number of samples. It returns nil if it is not a sequences layout.
func (l Layout) SequenceOffsets() []int {
	if l.kind != SequencesLayout {
		return nil
	}
	offsets := make([]int, len(l.seqLens)+1)
	for ii, length := range l.seqLens {
		offsets[ii+1] = offsets[ii] + length
	}
	return offsets
}

// DynamicAxes returns the dynamic axes that correspond to the layout.
func (l Layout) DynamicAxes() []shapes.Axis {
	switch l.kind {
	case BatchLayout:
		return shapes.DefaultInputDynamicAxes()
	case SequencesLayout:
		return shapes.DefaultSequenceDynamicAxes()
	}
	return nil
}

// Equal returns whether both layouts organize samples the same way.
func (l Layout) Equal(l2 Layout) bool {
	return l.kind == l2.kind && l.batchSize == l2.batchSize && slices.Equal(l.seqLens, l2.seqLens)
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l.kind {
	case StaticLayout:
		return "static"
	case BatchLayout:
		return fmt.Sprintf("batch=%d", l.batchSize)
	}
	return fmt.Sprintf("sequences=%v", l.seqLens)
}
