// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	. "github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/graph/graphtest"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// iotaFloats returns [start, start+1, ...] with n elements.
func iotaFloats(start float32, n int) []float32 {
	flat := make([]float32, n)
	for ii := range flat {
		flat[ii] = start + float32(ii)
	}
	return flat
}

func TestConvolution(t *testing.T) {
	image := param("image", shapes.Make(3, 3, 1), iotaFloats(1, 9)...)
	ones := make([]float32, 9)
	for ii := range ones {
		ones[ii] = 1
	}
	box := param("box", shapes.Make(3, 3, 1, 1), ones...)

	conv := Convolution(box, image)
	assert.Equal(t, shapes.Make(3, 3, 1), conv.Output().Shape())
	graphtest.RunTestFunction(t, "SamePadding", conv, nil, [][]float32{{12, 21, 16, 27, 45, 33, 24, 39, 28}}, 0)
	strided := Convolution(box, image, 2)
	assert.Equal(t, shapes.Make(2, 2, 1), strided.Output().Shape())
	graphtest.RunTestFunction(t, "Strided", strided, nil, [][]float32{{12, 16, 24, 28}}, 0)
	graphtest.RunTestFunction(t, "StridedWithChannels", Convolution(box, image, 2, 2, 1), nil,
		[][]float32{{12, 16, 24, 28}}, 0)

	// A 1x1 kernel mixes the channels of each position.
	pixels := param("pixels", shapes.Make(2, 1, 2), 1, 2, 3, 4)
	mix := param("mix", shapes.Make(1, 1, 2, 2), 1, 2, 3, 4)
	graphtest.RunTestFunction(t, "Channels", Convolution(mix, pixels), nil, [][]float32{{7, 10, 15, 22}}, 0)

	// One spatial axis, with the padding after the input.
	signal := param("signal", shapes.Make(4, 1), 1, 2, 3, 4)
	filter := param("filter", shapes.Make(2, 1, 1), 1, 10)
	graphtest.RunTestFunction(t, "1D", Convolution(filter, signal), nil, [][]float32{{21, 32, 43, 4}}, 0)

	// Each sample of a batch is convolved independently.
	x := InputVariable(shapes.Make(4, 1))
	xBatch := must.M1(values.BatchFromVec(shapes.Make(4, 1), []float32{1, 2, 3, 4, 0, 0, 1, 0}, cpu))
	batchConv := Convolution(filter, x)
	assert.Equal(t, shapes.DefaultInputDynamicAxes(), batchConv.Output().DynamicAxes())
	graphtest.RunTestFunction(t, "Batch", batchConv, NewDataMap().Add(x, xBatch),
		[][]float32{{21, 32, 43, 4, 0, 10, 1, 0}}, 0)

	require.ErrorIs(t, TryBuild(func() { Convolution(mix, image) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { Convolution(filter, image) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { Convolution(box, image, 1, 1, 2) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { Convolution(box, image, 0) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { Convolution(x, signal) }), ErrShapeMismatch)
}

func TestPooling(t *testing.T) {
	image := param("image", shapes.Make(4, 4, 1), iotaFloats(1, 16)...)
	maxPool := MaxPooling(image, []int{2, 2})
	assert.Equal(t, shapes.Make(2, 2, 1), maxPool.Output().Shape())
	graphtest.RunTestFunction(t, "MaxPooling", maxPool, nil, [][]float32{{6, 8, 14, 16}}, 0)
	graphtest.RunTestFunction(t, "AvgPooling", AvgPooling(image, []int{2, 2}), nil, [][]float32{{3.5, 5.5, 11.5, 13.5}}, 0)
	overlapping := MaxPooling(image, []int{2, 2}, 1)
	assert.Equal(t, shapes.Make(3, 3, 1), overlapping.Output().Shape())
	graphtest.RunTestFunction(t, "Overlapping", overlapping, nil, [][]float32{{6, 7, 8, 10, 11, 12, 14, 15, 16}}, 0)

	// Channels are pooled independently.
	channels := param("channels", shapes.Make(2, 2, 2), 1, -1, 5, -2, 2, -3, 0, -4)
	graphtest.RunTestFunction(t, "Channels", Combine(
		MaxPooling(channels, []int{2, 2}),
		AvgPooling(channels, []int{2, 2}),
	), nil, [][]float32{{5, -1}, {2, -2.5}}, 0)

	require.ErrorIs(t, TryBuild(func() { MaxPooling(image, []int{5, 2}) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { MaxPooling(image, []int{2}) }), ErrShapeMismatch)
	require.ErrorIs(t, TryBuild(func() { AvgPooling(image, []int{2, 2}, 1, 2, 3) }), ErrShapeMismatch)
}
