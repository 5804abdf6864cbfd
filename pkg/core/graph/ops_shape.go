// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
)

var opReshape = registerOp(opDef{
	name: "Reshape",
	infer: func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		dims := slices.Clone(attrs.Ints)
		inferred := -1
		known := 1
		for ii, dim := range dims {
			switch {
			case dim == -1 && inferred == -1:
				inferred = ii
			case dim < 0:
				panicShapeMismatchf("Reshape(%s, %v): invalid dimensions, only one -1 is allowed", x, attrs.Ints)
			default:
				known *= dim
			}
		}
		if inferred >= 0 {
			if known == 0 || x.shape.TotalSize()%known != 0 {
				panicShapeMismatchf("Reshape(%s, %v): can't infer the dimension marked with -1", x, attrs.Ints)
			}
			dims[inferred] = x.shape.TotalSize() / known
		}
		shape := shapes.Make(dims...)
		if shape.TotalSize() != x.shape.TotalSize() {
			panicShapeMismatchf("Reshape(%s, %v): the number of elements doesn't match", x, attrs.Ints)
		}
		attrs.Shape = shape
		return shape.Clone(), slices.Clone(x.dynamicAxes)
	},
	forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		x := inputs[0]
		return &tensor{shape: attrs.Shape, layout: x.layout, data: slices.Clone(x.data)}
	},
	vjp: func(_ *execContext, inputs []*tensor, _, grad *tensor, _ *opAttrs, _ []bool) []*tensor {
		return []*tensor{inputs[0].withData(slices.Clone(grad.data))}
	},
})

// Reshape changes the sample shape of x, keeping its elements in row-major order. One of the
// dimensions can be -1, in which case it is inferred from the number of elements.
// Dynamic axes are not affected.
func Reshape(x Operand, dimensions ...int) *Function {
	return newFunction(opReshape, opAttrs{Ints: slices.Clone(dimensions)}, "", x)
}

// swapAxesData returns the data of a tensor with samples of dims after swapping axis0 and axis1.
func swapAxesData(ctx *execContext, data []float32, numSamples int, dims []int, axis0, axis1 int) []float32 {
	inShape := shapes.Make(dims...)
	outDims := slices.Clone(dims)
	outDims[axis0], outDims[axis1] = outDims[axis1], outDims[axis0]
	inStrides := inShape.Strides()
	// Strides of the input, indexed by output axis.
	strides := slices.Clone(inStrides)
	strides[axis0], strides[axis1] = strides[axis1], strides[axis0]
	sampleSize := inShape.TotalSize()
	out := make([]float32, len(data))
	ctx.parallelFor(numSamples, func(start, end int) {
		counter := make([]int, len(outDims))
		for s := start; s < end; s++ {
			src := data[s*sampleSize : (s+1)*sampleSize]
			dst := out[s*sampleSize : (s+1)*sampleSize]
			clear(counter)
			pos := 0
			for ii := range dst {
				dst[ii] = src[pos]
				for axis := len(outDims) - 1; axis >= 0; axis-- {
					counter[axis]++
					pos += strides[axis]
					if counter[axis] < outDims[axis] {
						break
					}
					pos -= strides[axis] * counter[axis]
					counter[axis] = 0
				}
			}
		}
	})
	return out
}

var opTransposeAxes = registerOp(opDef{
	name: "TransposeAxes",
	infer: func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		rank := x.shape.Rank()
		for ii, axis := range attrs.Ints {
			if axis < 0 {
				axis += rank
			}
			if axis < 0 || axis >= rank {
				panicShapeMismatchf("TransposeAxes(%s, %v): axis out of range", x, attrs.Ints)
			}
			attrs.Ints[ii] = axis
		}
		dims := slices.Clone(x.shape.Dimensions)
		dims[attrs.Ints[0]], dims[attrs.Ints[1]] = dims[attrs.Ints[1]], dims[attrs.Ints[0]]
		return shapes.Make(dims...), slices.Clone(x.dynamicAxes)
	},
	forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		x := inputs[0]
		dims := slices.Clone(x.shape.Dimensions)
		data := swapAxesData(ctx, x.data, x.numSamples(), dims, attrs.Ints[0], attrs.Ints[1])
		dims[attrs.Ints[0]], dims[attrs.Ints[1]] = dims[attrs.Ints[1]], dims[attrs.Ints[0]]
		return &tensor{shape: shapes.Make(dims...), layout: x.layout, data: data}
	},
	vjp: func(ctx *execContext, inputs []*tensor, _, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
		data := swapAxesData(ctx, grad.data, grad.numSamples(), grad.shape.Dimensions, attrs.Ints[0], attrs.Ints[1])
		return []*tensor{inputs[0].withData(data)}
	},
})

// TransposeAxes swaps two static axes of x.
func TransposeAxes(x Operand, axis0, axis1 int) *Function {
	return newFunction(opTransposeAxes, opAttrs{Ints: []int{axis0, axis1}}, "", x)
}

// Transpose returns the transpose of a matrix. A vector of shape [n] is taken as a column, and
// becomes a row of shape [1, n]. It panics for other ranks.
func Transpose(x Operand) *Function {
	v := x.AsVariable()
	switch v.shape.Rank() {
	case 1:
		return Reshape(v, 1, v.shape.Dimensions[0])
	case 2:
		return TransposeAxes(v, 0, 1)
	}
	panicShapeMismatchf("Transpose(%s): requires rank 1 or 2", v)
	return nil
}

// blockDims splits a shape around axis: outer is the product of the dimensions before it, and
// inner the product of the dimensions after it.
func blockDims(dims []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, dim := range dims[:axis] {
		outer *= dim
	}
	for _, dim := range dims[axis+1:] {
		inner *= dim
	}
	return
}

var opSlice = registerOp(opDef{
	name: "Slice",
	infer: func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		axis := staticAxisAttr("Slice", x, attrs)
		dim := x.shape.Dimensions[axis]
		begin, end := attrs.Ints[0], attrs.Ints[1]
		if begin < 0 {
			begin += dim
		}
		if end <= 0 {
			end += dim
		}
		if begin < 0 || end > dim || begin > end {
			panicShapeMismatchf("Slice(%s, axis=%d, begin=%d, end=%d): range out of bounds", x, axis,
				attrs.Ints[0], attrs.Ints[1])
		}
		// The requested range is kept in Ints[0:2], so inference can be re-run on the same attributes.
		attrs.Ints = append(attrs.Ints[:2], begin, end)
		dims := slices.Clone(x.shape.Dimensions)
		dims[axis] = end - begin
		return shapes.Make(dims...), slices.Clone(x.dynamicAxes)
	},
	forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		x := inputs[0]
		axis, begin, end := attrs.Axis.Index, attrs.Ints[2], attrs.Ints[3]
		dims := slices.Clone(x.shape.Dimensions)
		outer, inner := blockDims(dims, axis)
		dims[axis] = end - begin
		out := newTensor(shapes.Make(dims...), x.layout)
		inBlock, outBlock := x.shape.Dimensions[axis]*inner, (end-begin)*inner
		for row := range outer * x.numSamples() {
			copy(out.data[row*outBlock:(row+1)*outBlock], x.data[row*inBlock+begin*inner:row*inBlock+end*inner])
		}
		return out
	},
	vjp: func(_ *execContext, inputs []*tensor, _, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
		x := inputs[0]
		axis, begin, end := attrs.Axis.Index, attrs.Ints[2], attrs.Ints[3]
		outer, inner := blockDims(x.shape.Dimensions, axis)
		gx := zerosLike(x)
		inBlock, outBlock := x.shape.Dimensions[axis]*inner, (end-begin)*inner
		for row := range outer * x.numSamples() {
			copy(gx.data[row*inBlock+begin*inner:row*inBlock+end*inner], grad.data[row*outBlock:(row+1)*outBlock])
		}
		return []*tensor{gx}
	},
})

// Slice returns the elements of x in the range [begin, end) of the given static axis.
// A negative begin counts from the end of the axis, and an end <= 0 counts from the end, so
// end=0 means up to the end of the axis.
func Slice(x Operand, axis shapes.Axis, begin, end int) *Function {
	return newFunction(opSlice, opAttrs{Axis: axis, Ints: []int{begin, end}}, "", x)
}

// spliceShapes returns the shapes of the operands of Splice, with a trailing dimension of 1 added if
// the axis is one past their rank.
func spliceShapes(operandShapes []shapes.Shape, axis int) []shapes.Shape {
	result := make([]shapes.Shape, len(operandShapes))
	for ii, shape := range operandShapes {
		if axis == shape.Rank() {
			shape = shape.AppendShape(shapes.Make(1))
		}
		result[ii] = shape
	}
	return result
}

var opSplice = registerOp(opDef{
	name: "Splice",
	infer: func(inputs []*Variable, attrs *opAttrs) (shapes.Shape, []shapes.Axis) {
		if !attrs.Axis.IsStatic() {
			panicShapeMismatchf("Splice(): requires a static axis, got %s", attrs.Axis)
		}
		rank := inputs[0].shape.Rank()
		axis := attrs.Axis.Index
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis > rank {
			panicShapeMismatchf("Splice(%s): axis %d out of range", variablesString(inputs), attrs.Axis.Index)
		}
		attrs.Axis = shapes.NewAxis(axis)
		operandShapes := make([]shapes.Shape, len(inputs))
		for ii, v := range inputs {
			if v.shape.Rank() != rank {
				panicShapeMismatchf("Splice(%s): operands must have the same rank", variablesString(inputs))
			}
			operandShapes[ii] = v.shape
		}
		operandShapes = spliceShapes(operandShapes, axis)
		dims := slices.Clone(operandShapes[0].Dimensions)
		dims[axis] = 0
		for _, shape := range operandShapes {
			for ii, dim := range shape.Dimensions {
				if ii != axis && dim != dims[ii] {
					panicShapeMismatchf("Splice(%s): operands must match in all axes but %d", variablesString(inputs), axis)
				}
			}
			dims[axis] += shape.Dimensions[axis]
		}
		return shapes.Make(dims...), combineDynamicAxes("Splice", inputs...)
	},
	forward: func(_ *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
		layout := mergeLayouts("Splice", inputs...)
		axis := attrs.Axis.Index
		operandShapes := spliceShapes(tensorShapes(inputs), axis)
		dims := slices.Clone(operandShapes[0].Dimensions)
		dims[axis] = 0
		for _, shape := range operandShapes {
			dims[axis] += shape.Dimensions[axis]
		}
		out := newTensor(shapes.Make(dims...), layout)
		outer, inner := blockDims(dims, axis)
		outBlock := dims[axis] * inner
		for s := range layout.NumSamples() {
			dst := out.data[s*out.sampleSize() : (s+1)*out.sampleSize()]
			offset := 0
			for ii, x := range inputs {
				src := x.sample(s)
				block := operandShapes[ii].Dimensions[axis] * inner
				for row := range outer {
					copy(dst[row*outBlock+offset:row*outBlock+offset+block], src[row*block:(row+1)*block])
				}
				offset += block
			}
		}
		return out
	},
	vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, need []bool) []*tensor {
		axis := attrs.Axis.Index
		operandShapes := spliceShapes(tensorShapes(inputs), axis)
		outer, inner := blockDims(output.shape.Dimensions, axis)
		outBlock := output.shape.Dimensions[axis] * inner
		grads := make([]*tensor, len(inputs))
		offset := 0
		for ii, x := range inputs {
			block := operandShapes[ii].Dimensions[axis] * inner
			if need[ii] {
				gx := zerosLike(x)
				for s := range output.numSamples() {
					src := grad.data[s*output.sampleSize() : (s+1)*output.sampleSize()]
					dst := gx.sample(s)
					for row := range outer {
						segment := src[row*outBlock+offset : row*outBlock+offset+block]
						for jj, g := range segment {
							dst[row*block+jj] += g
						}
					}
				}
				grads[ii] = gx
			}
			offset += block
		}
		return grads
	},
})

func tensorShapes(tensors []*tensor) []shapes.Shape {
	result := make([]shapes.Shape, len(tensors))
	for ii, t := range tensors {
		result[ii] = t.shape
	}
	return result
}

// Splice concatenates the operands along a static axis. All other axes must match. The axis can be
// one past the rank of the operands, in which case they are stacked along a new trailing axis.
func Splice(axis shapes.Axis, operands ...Operand) *Function {
	if len(operands) == 0 {
		panicInvalidArgumentf("Splice() requires at least one operand")
	}
	return newFunction(opSplice, opAttrs{Axis: axis}, "", operands...)
}

var opBroadcastAs = registerOp(opDef{
	name: "BroadcastAs",
	infer: func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		x, like := inputs[0], inputs[1]
		if !x.shape.CanBroadcastTo(like.shape) {
			panicShapeMismatchf("BroadcastAs(%s, %s): shape can't be broadcast", x, like)
		}
		if len(x.dynamicAxes) > 0 && !slices.Equal(x.dynamicAxes, like.dynamicAxes) {
			panicShapeMismatchf("BroadcastAs(%s, %s): dynamic axes differ", x, like)
		}
		return like.shape.Clone(), slices.Clone(like.dynamicAxes)
	},
	forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
		x, like := inputs[0], inputs[1]
		layout := mergeLayouts("BroadcastAs", x, like)
		indices := broadcastMap(x, layout.NumSamples(), like.shape)
		return &tensor{shape: like.shape, layout: layout, data: gather(x.data, indices)}
	},
	vjp: func(_ *execContext, inputs []*tensor, output, grad *tensor, _ *opAttrs, need []bool) []*tensor {
		grads := make([]*tensor, 2)
		if need[0] {
			x := inputs[0]
			indices := broadcastMap(x, output.numSamples(), output.shape)
			grads[0] = x.withData(scatterAdd(grad.data, indices, len(x.data)))
		}
		return grads
	},
})

// BroadcastAs broadcasts x to the shape and dynamic axes of like. Only the shape and layout of like
// are used, and no gradient flows to it.
func BroadcastAs(x, like Operand) *Function {
	return newFunction(opBroadcastAs, opAttrs{}, "", x, like)
}

var opToBatch = registerOp(opDef{
	name: "ToBatch",
	infer: func(inputs []*Variable, _ *opAttrs) (shapes.Shape, []shapes.Axis) {
		x := inputs[0]
		if len(x.dynamicAxes) > 0 {
			panicShapeMismatchf("ToBatch(%s): operand already has dynamic axes", x)
		}
		if x.shape.Rank() == 0 {
			panicShapeMismatchf("ToBatch(%s): operand must have rank >= 1", x)
		}
		return shapes.Make(x.shape.Dimensions[1:]...), []shapes.Axis{shapes.DefaultBatchAxis()}
	},
	forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
		x := inputs[0]
		shape := shapes.Make(x.shape.Dimensions[1:]...)
		return &tensor{shape: shape, layout: values.Batch(x.shape.Dim(0)), data: slices.Clone(x.data)}
	},
	vjp: func(_ *execContext, inputs []*tensor, _, grad *tensor, _ *opAttrs, _ []bool) []*tensor {
		return []*tensor{inputs[0].withData(slices.Clone(grad.data))}
	},
})

// ToBatch converts the leading static axis of x, which must not have dynamic axes, into the batch axis:
// a value of shape [n, d...] becomes a batch of n samples of shape [d...].
func ToBatch(x Operand) *Function {
	return newFunction(opToBatch, opAttrs{}, "", x)
}
