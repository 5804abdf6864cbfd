// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"

	"github.com/gomlx/symbolic/pkg/core/shapes"
)

// windowGeometry describes how a window slides over the spatial axes of a sample of shape
// [spatial..., channels]: the leading axes are spatial, and the last one holds the channels.
type windowGeometry struct {
	inDims, window, strides, padLow, outDims []int
}

// newWindowGeometry computes the output dimensions of a window sliding over inDims. With samePadding
// the input is padded with zeros so that the output has ceil(inDim/stride) positions, with the padding
// split evenly around the input (the extra one going after). Otherwise only positions where the window
// fits are used.
func newWindowGeometry(inDims, window, strides []int, samePadding bool) windowGeometry {
	g := windowGeometry{
		inDims:  slices.Clone(inDims),
		window:  slices.Clone(window),
		strides: slices.Clone(strides),
		padLow:  make([]int, len(inDims)),
		outDims: make([]int, len(inDims)),
	}
	for axis, dim := range inDims {
		w, s := window[axis], strides[axis]
		if samePadding {
			out := (dim + s - 1) / s
			g.outDims[axis] = out
			g.padLow[axis] = max((out-1)*s+w-dim, 0) / 2
		} else {
			g.outDims[axis] = (dim-w)/s + 1
		}
	}
	return g
}

func (g windowGeometry) numPositions() int { return product(g.outDims) }

func (g windowGeometry) windowSize() int { return product(g.window) }

func product(dims []int) int {
	total := 1
	for _, dim := range dims {
		total *= dim
	}
	return total
}

// indices returns, for each output position p and window offset w, at p*windowSize()+w, the flat spatial
// index of the input element under the window, or -1 if it falls in the padding.
func (g windowGeometry) indices() []int {
	rank := len(g.inDims)
	windowSize := g.windowSize()
	indices := make([]int, g.numPositions()*windowSize)
	outPos := make([]int, rank)
	winPos := make([]int, rank)
	idx := 0
	for range g.numPositions() {
		clear(winPos)
		for range windowSize {
			flat := 0
			for axis := range rank {
				coord := outPos[axis]*g.strides[axis] + winPos[axis] - g.padLow[axis]
				if coord < 0 || coord >= g.inDims[axis] {
					flat = -1
					break
				}
				flat = flat*g.inDims[axis] + coord
			}
			indices[idx] = flat
			idx++
			increment(winPos, g.window)
		}
		increment(outPos, g.outDims)
	}
	return indices
}

// increment advances a row-major multi-index over dims, wrapping around at the end.
func increment(pos, dims []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		pos[axis]++
		if pos[axis] < dims[axis] {
			return
		}
		pos[axis] = 0
	}
}

// stridesAttr normalizes the strides of a windowed operator over rank spatial axes: empty means 1
// for every axis, and a single value applies to all axes.
func stridesAttr(opName string, x *Variable, strides []int, rank int) []int {
	switch len(strides) {
	case 0:
		strides = []int{1}
		fallthrough
	case 1:
		s := strides[0]
		strides = make([]int, rank)
		for axis := range strides {
			strides[axis] = s
		}
	case rank:
		strides = slices.Clone(strides)
	default:
		panicShapeMismatchf("%s(%s): %d strides given for %d spatial axes", opName, x, len(strides), rank)
	}
	for _, s := range strides {
		if s <= 0 {
			panicShapeMismatchf("%s(%s): strides must be positive, got %v", opName, x, strides)
		}
	}
	return strides
}

// Convolution attributes are stored in opAttrs.Ints as the strides of each spatial axis.
var opConvolution = registerOp(opDef{
	name: "Convolution",
	infer: func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		kernel, x := inputs[0], inputs[1]
		if len(kernel.dynamicAxes) > 0 {
			panicShapeMismatchf("Convolution(%s, %s): kernel can't have dynamic axes", kernel, x)
		}
		rank := x.shape.Rank() - 1
		if rank < 1 {
			panicShapeMismatchf("Convolution(%s, %s): operand must have at least one spatial axis and the channels axis", kernel, x)
		}
		if kernel.shape.Rank() != rank+2 {
			panicShapeMismatchf("Convolution(%s, %s): kernel must have shape [window..., inChannels, outChannels]", kernel, x)
		}
		if kernel.shape.Dim(rank) != x.shape.Dim(rank) {
			panicShapeMismatchf("Convolution(%s, %s): kernel has %d input channels, operand has %d",
				kernel, x, kernel.shape.Dim(rank), x.shape.Dim(rank))
		}
		strides := attrs.Ints
		if len(strides) == rank+1 && strides[rank] == x.shape.Dim(rank) {
			// A stride spanning all the input channels is the same as no stride on the channels axis.
			strides = strides[:rank]
		}
		attrs.Ints = stridesAttr("Convolution", x, strides, rank)
		g := newWindowGeometry(x.shape.Dimensions[:rank], kernel.shape.Dimensions[:rank], attrs.Ints, true)
		dims := append(slices.Clone(g.outDims), kernel.shape.Dim(-1))
		return shapes.Make(dims...), slices.Clone(x.dynamicAxes)
	},
	forward: convolutionForward,
	vjp:     convolutionVJP,
})

// convolutionPlan holds the dimensions of a convolution, seen as a matrix multiplication of the
// unrolled windows of each sample, of shape [positions, windowSize*inChannels], by the kernel.
type convolutionPlan struct {
	geometry               windowGeometry
	indices                []int
	positions, cols, inCh  int
	outCh, inSize, outSize int
}

func newConvolutionPlan(kernel, x *tensor, strides []int) convolutionPlan {
	rank := x.shape.Rank() - 1
	g := newWindowGeometry(x.shape.Dimensions[:rank], kernel.shape.Dimensions[:rank], strides, true)
	p := convolutionPlan{
		geometry:  g,
		indices:   g.indices(),
		positions: g.numPositions(),
		inCh:      x.shape.Dim(-1),
		outCh:     kernel.shape.Dim(-1),
		inSize:    x.sampleSize(),
	}
	p.cols = g.windowSize() * p.inCh
	p.outSize = p.positions * p.outCh
	return p
}

// unroll writes the windows of sample into cols, with zeros for the padding.
func (p convolutionPlan) unroll(sample, cols []float32) {
	for ii, idx := range p.indices {
		row := cols[ii*p.inCh : (ii+1)*p.inCh]
		if idx < 0 {
			clear(row)
			continue
		}
		copy(row, sample[idx*p.inCh:(idx+1)*p.inCh])
	}
}

func convolutionForward(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
	kernel, x := inputs[0], inputs[1]
	p := newConvolutionPlan(kernel, x, attrs.Ints)
	dims := append(slices.Clone(p.geometry.outDims), p.outCh)
	out := newTensor(shapes.Make(dims...), x.layout)
	ctx.parallelFor(x.numSamples(), func(start, end int) {
		cols := make([]float32, p.positions*p.cols)
		for s := start; s < end; s++ {
			p.unroll(x.data[s*p.inSize:(s+1)*p.inSize], cols)
			gemm(false, false, p.positions, p.cols, p.outCh, cols, kernel.data, 0, out.data[s*p.outSize:(s+1)*p.outSize])
		}
	})
	return out
}

func convolutionVJP(ctx *execContext, inputs []*tensor, _, grad *tensor, attrs *opAttrs, need []bool) []*tensor {
	kernel, x := inputs[0], inputs[1]
	p := newConvolutionPlan(kernel, x, attrs.Ints)
	grads := make([]*tensor, 2)
	if need[0] {
		gk := zerosLike(kernel)
		cols := make([]float32, p.positions*p.cols)
		for s := range x.numSamples() {
			p.unroll(x.data[s*p.inSize:(s+1)*p.inSize], cols)
			gemm(true, false, p.cols, p.positions, p.outCh, cols, grad.data[s*p.outSize:(s+1)*p.outSize], 1, gk.data)
		}
		grads[0] = gk
	}
	if need[1] {
		gx := zerosLike(x)
		ctx.parallelFor(x.numSamples(), func(start, end int) {
			cols := make([]float32, p.positions*p.cols)
			for s := start; s < end; s++ {
				gemm(false, true, p.positions, p.outCh, p.cols, grad.data[s*p.outSize:(s+1)*p.outSize], kernel.data, 0, cols)
				sample := gx.data[s*p.inSize : (s+1)*p.inSize]
				for ii, idx := range p.indices {
					if idx < 0 {
						continue
					}
					addTo(sample[idx*p.inCh:(idx+1)*p.inCh], cols[ii*p.inCh:(ii+1)*p.inCh])
				}
			}
		})
		grads[1] = gx
	}
	return grads
}

// Convolution convolves x, of shape [spatial..., inChannels], with kernel, of shape
// [window..., inChannels, outChannels], producing [outSpatial..., outChannels]. The input is
// zero-padded so that each output spatial dimension is ceil(dim/stride).
//
// strides gives the step of the window on each spatial axis: none means 1, and a single value
// applies to all axes. A last extra stride equal to the number of input channels is accepted.
// The kernel must not have dynamic axes, and the dynamic axes of x are kept.
func Convolution(kernel, x Operand, strides ...int) *Function {
	return newFunction(opConvolution, opAttrs{Ints: slices.Clone(strides)}, "", kernel, x)
}

// Pooling attributes are stored in opAttrs.Ints as the window dimensions followed by the strides.
func inferPooling(opName string) func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
	return func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		rank := x.shape.Rank() - 1
		if rank < 1 {
			panicShapeMismatchf("%s(%s): operand must have at least one spatial axis and the channels axis", opName, x)
		}
		if len(attrs.Ints) < rank {
			panicShapeMismatchf("%s(%s): window must have %d dimensions, got %v", opName, x, rank, attrs.Ints)
		}
		window := slices.Clone(attrs.Ints[:rank])
		// Strides default to the window, for non-overlapping pooling.
		strides := window
		if len(attrs.Ints) > rank {
			strides = stridesAttr(opName, x, attrs.Ints[rank:], rank)
		}
		for axis, w := range window {
			if w <= 0 || w > x.shape.Dim(axis) {
				panicShapeMismatchf("%s(%s): invalid window %v", opName, x, window)
			}
		}
		attrs.Ints = append(slices.Clone(window), strides...)
		g := newWindowGeometry(x.shape.Dimensions[:rank], window, strides, false)
		dims := append(slices.Clone(g.outDims), x.shape.Dim(-1))
		return shapes.Make(dims...), slices.Clone(x.dynamicAxes)
	}
}

// poolingPlan returns the geometry of a pooling of x, and its window indices.
func poolingPlan(x *tensor, attrs *opAttrs) (windowGeometry, []int) {
	rank := x.shape.Rank() - 1
	g := newWindowGeometry(x.shape.Dimensions[:rank], attrs.Ints[:rank], attrs.Ints[rank:], false)
	return g, g.indices()
}

type poolingMode int

const (
	maxPooling poolingMode = iota
	avgPooling
)

func poolingForward(ctx *execContext, x *tensor, attrs *opAttrs, mode poolingMode) *tensor {
	g, indices := poolingPlan(x, attrs)
	channels := x.shape.Dim(-1)
	windowSize := g.windowSize()
	dims := append(slices.Clone(g.outDims), channels)
	out := newTensor(shapes.Make(dims...), x.layout)
	inSize, outSize := x.sampleSize(), out.sampleSize()
	ctx.parallelFor(x.numSamples(), func(start, end int) {
		for s := start; s < end; s++ {
			in := x.data[s*inSize : (s+1)*inSize]
			res := out.data[s*outSize : (s+1)*outSize]
			for pos := range g.numPositions() {
				window := indices[pos*windowSize : (pos+1)*windowSize]
				for c := range channels {
					var acc float32
					if mode == maxPooling {
						acc = float32(math.Inf(-1))
					}
					for _, idx := range window {
						v := in[idx*channels+c]
						if mode == maxPooling {
							acc = max(acc, v)
						} else {
							acc += v
						}
					}
					if mode == avgPooling {
						acc /= float32(windowSize)
					}
					res[pos*channels+c] = acc
				}
			}
		}
	})
	return out
}

func poolingVJP(x, output, grad *tensor, attrs *opAttrs, mode poolingMode) *tensor {
	g, indices := poolingPlan(x, attrs)
	channels := x.shape.Dim(-1)
	windowSize := g.windowSize()
	gx := zerosLike(x)
	inSize, outSize := x.sampleSize(), output.sampleSize()
	for s := range x.numSamples() {
		in := x.data[s*inSize : (s+1)*inSize]
		gIn := gx.data[s*inSize : (s+1)*inSize]
		for pos := range g.numPositions() {
			window := indices[pos*windowSize : (pos+1)*windowSize]
			for c := range channels {
				o := s*outSize + pos*channels + c
				if mode == avgPooling {
					share := grad.data[o] / float32(windowSize)
					for _, idx := range window {
						gIn[idx*channels+c] += share
					}
					continue
				}
				// The gradient goes to the first element achieving the maximum.
				for _, idx := range window {
					if in[idx*channels+c] == output.data[o] {
						gIn[idx*channels+c] += grad.data[o]
						break
					}
				}
			}
		}
	}
	return gx
}

func definePooling(name string, mode poolingMode) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: inferPooling(name),
		forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			return poolingForward(ctx, inputs[0], attrs, mode)
		},
		vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
			return []*tensor{poolingVJP(inputs[0], output, grad, attrs, mode)}
		},
	})
}

var (
	opMaxPooling = definePooling("MaxPooling", maxPooling)
	opAvgPooling = definePooling("AvgPooling", avgPooling)
)

func poolingAttrs(window, strides []int) opAttrs {
	return opAttrs{Ints: append(slices.Clone(window), strides...)}
}

// MaxPooling takes the maximum of x, of shape [spatial..., channels], over windows of the spatial axes,
// for each channel independently. Only positions where the window fits in the input are used.
//
// strides gives the step of the window on each spatial axis: none means the window dimensions, and a
// single value applies to all axes.
func MaxPooling(x Operand, window []int, strides ...int) *Function {
	return newFunction(opMaxPooling, poolingAttrs(window, strides), "", x)
}

// AvgPooling averages x over windows of its spatial axes. See MaxPooling.
func AvgPooling(x Operand, window []int, strides ...int) *Function {
	return newFunction(opAvgPooling, poolingAttrs(window, strides), "", x)
}
