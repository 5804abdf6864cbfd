// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/symbolic/pkg/core/shapes"
)

// unaryFn computes y=f(x), and dfn computes dy/dx given x and y. A nil dfn means a zero gradient.
type unaryFn func(x float64) float64
type unaryDerivativeFn func(x, y float64) float64

// mapUnary applies fn to every element of x, in parallel.
func mapUnary(ctx *execContext, x *tensor, fn unaryFn) *tensor {
	out := zerosLike(x)
	ctx.parallelFor(len(x.data), func(start, end int) {
		for ii := start; ii < end; ii++ {
			out.data[ii] = float32(fn(float64(x.data[ii])))
		}
	})
	return out
}

// mapUnaryGrad returns grad * dfn(x, y) element-wise.
func mapUnaryGrad(ctx *execContext, x, y, grad *tensor, dfn unaryDerivativeFn) *tensor {
	out := zerosLike(x)
	if dfn == nil {
		return out
	}
	ctx.parallelFor(len(x.data), func(start, end int) {
		for ii := start; ii < end; ii++ {
			out.data[ii] = grad.data[ii] * float32(dfn(float64(x.data[ii]), float64(y.data[ii])))
		}
	})
	return out
}

func defineUnary(name string, fn unaryFn, dfn unaryDerivativeFn) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: inferSame,
		forward: func(ctx *execContext, inputs []*tensor, _ *opAttrs) *tensor {
			return mapUnary(ctx, inputs[0], fn)
		},
		vjp: func(ctx *execContext, inputs []*tensor, output, grad *tensor, _ *opAttrs, _ []bool) []*tensor {
			return []*tensor{mapUnaryGrad(ctx, inputs[0], output, grad, dfn)}
		},
	})
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus is log(1+exp(x)), computed without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func zeroDerivative(_, _ float64) float64 { return 0 }

var (
	opNegate = defineUnary("Negate", func(x float64) float64 { return -x },
		func(_, _ float64) float64 { return -1 })
	opSigmoid = defineUnary("Sigmoid", sigmoid,
		func(_, y float64) float64 { return y * (1 - y) })
	opTanh = defineUnary("Tanh", math.Tanh,
		func(_, y float64) float64 { return 1 - y*y })
	opReLU = defineUnary("ReLU", func(x float64) float64 { return max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
	opExp = defineUnary("Exp", math.Exp,
		func(_, y float64) float64 { return y })
	opLog = defineUnary("Log", math.Log,
		func(x, _ float64) float64 { return 1 / x })
	opSquare = defineUnary("Square", func(x float64) float64 { return x * x },
		func(x, _ float64) float64 { return 2 * x })
	opSqrt = defineUnary("Sqrt", math.Sqrt,
		func(_, y float64) float64 { return 0.5 / y })
	opAbs = defineUnary("Abs", math.Abs,
		func(x, _ float64) float64 { return sign(x) })
	opReciprocal = defineUnary("Reciprocal", func(x float64) float64 { return 1 / x },
		func(_, y float64) float64 { return -y * y })
	opSin = defineUnary("Sin", math.Sin,
		func(x, _ float64) float64 { return math.Cos(x) })
	opCos = defineUnary("Cos", math.Cos,
		func(x, _ float64) float64 { return -math.Sin(x) })
	opSinh = defineUnary("Sinh", math.Sinh,
		func(x, _ float64) float64 { return math.Cosh(x) })
	opCosh = defineUnary("Cosh", math.Cosh,
		func(x, _ float64) float64 { return math.Sinh(x) })
	opAsin = defineUnary("Asin", math.Asin,
		func(x, _ float64) float64 { return 1 / math.Sqrt(1-x*x) })
	opAcos = defineUnary("Acos", math.Acos,
		func(x, _ float64) float64 { return -1 / math.Sqrt(1-x*x) })
	opSoftplus = defineUnary("Softplus", softplus,
		func(x, _ float64) float64 { return sigmoid(x) })
	opELU = defineUnary("ELU",
		func(x float64) float64 {
			if x > 0 {
				return x
			}
			return math.Expm1(x)
		},
		func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return y + 1
		})
	opFloor = defineUnary("Floor", math.Floor, zeroDerivative)
	opCeil  = defineUnary("Ceil", math.Ceil, zeroDerivative)
	opRound = defineUnary("Round", func(x float64) float64 { return math.Floor(x + 0.5) }, zeroDerivative)

	opIdentity = defineUnary("Alias", func(x float64) float64 { return x },
		func(_, _ float64) float64 { return 1 })

	opStopGradient = registerOp(opDef{
		name:  "StopGradient",
		infer: inferSame,
		forward: func(_ *execContext, inputs []*tensor, _ *opAttrs) *tensor {
			return inputs[0].withData(gather(inputs[0].data, nil))
		},
	})

	opLeakyReLU = registerOp(opDef{
		name:  "LeakyReLU",
		infer: inferSame,
		forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			alpha := attrs.Floats[0]
			return mapUnary(ctx, inputs[0], func(x float64) float64 {
				if x > 0 {
					return x
				}
				return alpha * x
			})
		},
		vjp: func(ctx *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
			alpha := attrs.Floats[0]
			return []*tensor{mapUnaryGrad(ctx, inputs[0], output, grad, func(x, _ float64) float64 {
				if x > 0 {
					return 1
				}
				return alpha
			})}
		},
	})

	opClip = registerOp(opDef{
		name:  "Clip",
		infer: inferSame,
		forward: func(ctx *execContext, inputs []*tensor, attrs *opAttrs) *tensor {
			low, high := attrs.Floats[0], attrs.Floats[1]
			return mapUnary(ctx, inputs[0], func(x float64) float64 { return min(max(x, low), high) })
		},
		vjp: func(ctx *execContext, inputs []*tensor, output, grad *tensor, attrs *opAttrs, _ []bool) []*tensor {
			low, high := attrs.Floats[0], attrs.Floats[1]
			return []*tensor{mapUnaryGrad(ctx, inputs[0], output, grad, func(x, _ float64) float64 {
				if x < low || x > high {
					return 0
				}
				return 1
			})}
		},
	})
)

func unary(op *opDef, x Operand) *Function {
	return newFunction(op, opAttrs{}, "", x)
}

// Negate returns -x.
func Negate(x Operand) *Function { return unary(opNegate, x) }

// Sigmoid returns 1/(1+exp(-x)).
func Sigmoid(x Operand) *Function { return unary(opSigmoid, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x Operand) *Function { return unary(opTanh, x) }

// ReLU returns max(x, 0).
func ReLU(x Operand) *Function { return unary(opReLU, x) }

// Exp returns e^x.
func Exp(x Operand) *Function { return unary(opExp, x) }

// Log returns the natural logarithm of x.
func Log(x Operand) *Function { return unary(opLog, x) }

// Square returns x*x.
func Square(x Operand) *Function { return unary(opSquare, x) }

// Sqrt returns the square root of x.
func Sqrt(x Operand) *Function { return unary(opSqrt, x) }

// Abs returns the absolute value of x.
func Abs(x Operand) *Function { return unary(opAbs, x) }

// Reciprocal returns 1/x.
func Reciprocal(x Operand) *Function { return unary(opReciprocal, x) }

// Sin returns the sine of x.
func Sin(x Operand) *Function { return unary(opSin, x) }

// Cos returns the cosine of x.
func Cos(x Operand) *Function { return unary(opCos, x) }

// Sinh returns the hyperbolic sine of x.
func Sinh(x Operand) *Function { return unary(opSinh, x) }

// Cosh returns the hyperbolic cosine of x.
func Cosh(x Operand) *Function { return unary(opCosh, x) }

// Asin returns the arc-sine of x.
func Asin(x Operand) *Function { return unary(opAsin, x) }

// Acos returns the arc-cosine of x.
func Acos(x Operand) *Function { return unary(opAcos, x) }

// Softplus returns log(1+exp(x)).
func Softplus(x Operand) *Function { return unary(opSoftplus, x) }

// ELU returns x for x > 0, and exp(x)-1 otherwise.
func ELU(x Operand) *Function { return unary(opELU, x) }

// Floor returns the largest integer not greater than x. Its gradient is zero.
func Floor(x Operand) *Function { return unary(opFloor, x) }

// Ceil returns the smallest integer not lower than x. Its gradient is zero.
func Ceil(x Operand) *Function { return unary(opCeil, x) }

// Round returns floor(x+0.5). Its gradient is zero.
func Round(x Operand) *Function { return unary(opRound, x) }

// StopGradient returns x, but no gradient flows back through it.
func StopGradient(x Operand) *Function { return unary(opStopGradient, x) }

// Alias returns x with a new name. The output variable takes the name.
func Alias(x Operand, name string) *Function {
	return newFunction(opIdentity, opAttrs{}, name, x)
}

// LeakyReLU returns x for x > 0, and alpha*x otherwise.
func LeakyReLU(x Operand, alpha float64) *Function {
	return newFunction(opLeakyReLU, opAttrs{Floats: []float64{alpha}}, "", x)
}

// Clip returns x limited to the range [low, high]. The gradient is zero outside the range.
func Clip(x Operand, low, high float64) *Function {
	if low > high {
		panicInvalidArgumentf("Clip(low=%g, high=%g): low must be <= high", low, high)
	}
	return newFunction(opClip, opAttrs{Floats: []float64{low, high}}, "", x)
}

// binaryFn computes y=f(a, b), and binaryDerivativeFn computes the partial derivative with respect to
// one of the operands, given a, b and y. A nil derivative means a zero gradient.
type binaryFn func(a, b float64) float64
type binaryDerivativeFn func(a, b, y float64) float64

// binaryForward computes fn over the broadcast of a and b.
func binaryForward(ctx *execContext, opName string, a, b *tensor, fn binaryFn) *tensor {
	layout := mergeLayouts(opName, a, b)
	shape, err := shapes.Broadcast(a.shape, b.shape)
	if err != nil {
		panicShapeMismatchf("%s(): %v", opName, err)
	}
	out := newTensor(shape, layout)
	numSamples := layout.NumSamples()
	ia := broadcastMap(a, numSamples, out.shape)
	ib := broadcastMap(b, numSamples, out.shape)
	ctx.parallelFor(len(out.data), func(start, end int) {
		for ii := start; ii < end; ii++ {
			ja, jb := ii, ii
			if ia != nil {
				ja = ia[ii]
			}
			if ib != nil {
				jb = ib[ii]
			}
			out.data[ii] = float32(fn(float64(a.data[ja]), float64(b.data[jb])))
		}
	})
	return out
}

// binaryGrad returns the gradient of one of the operands (the one at position which), reduced back
// to its shape and layout.
func binaryGrad(ctx *execContext, inputs []*tensor, output, grad *tensor, which int, dfn binaryDerivativeFn) *tensor {
	target := inputs[which]
	if dfn == nil {
		return zerosLike(target)
	}
	a, b := inputs[0], inputs[1]
	numSamples := output.numSamples()
	ia := broadcastMap(a, numSamples, output.shape)
	ib := broadcastMap(b, numSamples, output.shape)
	full := make([]float32, len(output.data))
	ctx.parallelFor(len(full), func(start, end int) {
		for ii := start; ii < end; ii++ {
			ja, jb := ii, ii
			if ia != nil {
				ja = ia[ii]
			}
			if ib != nil {
				jb = ib[ii]
			}
			full[ii] = grad.data[ii] * float32(dfn(float64(a.data[ja]), float64(b.data[jb]), float64(output.data[ii])))
		}
	})
	indices := ia
	if which == 1 {
		indices = ib
	}
	return target.withData(scatterAdd(full, indices, len(target.data)))
}

func defineBinary(name string, fn binaryFn, dfa, dfb binaryDerivativeFn) *opDef {
	return registerOp(opDef{
		name:  name,
		infer: inferBroadcast(name),
		forward: func(ctx *execContext, inputs []*tensor, _ *opAttrs) *tensor {
			return binaryForward(ctx, name, inputs[0], inputs[1], fn)
		},
		vjp: func(ctx *execContext, inputs []*tensor, output, grad *tensor, _ *opAttrs, need []bool) []*tensor {
			grads := make([]*tensor, 2)
			if need[0] {
				grads[0] = binaryGrad(ctx, inputs, output, grad, 0, dfa)
			}
			if need[1] {
				grads[1] = binaryGrad(ctx, inputs, output, grad, 1, dfb)
			}
			return grads
		},
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	opPlus = defineBinary("Plus", func(a, b float64) float64 { return a + b },
		func(_, _, _ float64) float64 { return 1 },
		func(_, _, _ float64) float64 { return 1 })
	opMinus = defineBinary("Minus", func(a, b float64) float64 { return a - b },
		func(_, _, _ float64) float64 { return 1 },
		func(_, _, _ float64) float64 { return -1 })
	opElementTimes = defineBinary("ElementTimes", func(a, b float64) float64 { return a * b },
		func(_, b, _ float64) float64 { return b },
		func(a, _, _ float64) float64 { return a })
	opElementDivide = defineBinary("ElementDivide", func(a, b float64) float64 { return a / b },
		func(_, b, _ float64) float64 { return 1 / b },
		func(_, b, y float64) float64 { return -y / b })
	opPow = defineBinary("Pow", math.Pow,
		func(a, b, _ float64) float64 {
			if b == 0 {
				return 0
			}
			return b * math.Pow(a, b-1)
		},
		func(a, _, y float64) float64 {
			if a <= 0 {
				return 0
			}
			return y * math.Log(a)
		})
	opLogAddExp = defineBinary("LogAddExp",
		func(a, b float64) float64 {
			hi, lo := max(a, b), min(a, b)
			if math.IsInf(hi, -1) {
				return hi
			}
			return hi + math.Log1p(math.Exp(lo-hi))
		},
		func(a, b, _ float64) float64 { return sigmoid(a - b) },
		func(a, b, _ float64) float64 { return sigmoid(b - a) })

	opEqual        = defineBinary("Equal", func(a, b float64) float64 { return boolToFloat(a == b) }, nil, nil)
	opNotEqual     = defineBinary("NotEqual", func(a, b float64) float64 { return boolToFloat(a != b) }, nil, nil)
	opLess         = defineBinary("Less", func(a, b float64) float64 { return boolToFloat(a < b) }, nil, nil)
	opLessEqual    = defineBinary("LessEqual", func(a, b float64) float64 { return boolToFloat(a <= b) }, nil, nil)
	opGreater      = defineBinary("Greater", func(a, b float64) float64 { return boolToFloat(a > b) }, nil, nil)
	opGreaterEqual = defineBinary("GreaterEqual", func(a, b float64) float64 { return boolToFloat(a >= b) }, nil, nil)
)

func binary(op *opDef, a, b Operand) *Function {
	return newFunction(op, opAttrs{}, "", a, b)
}

// Plus returns a+b, broadcasting the operands.
//
// Broadcasting aligns the trailing dimensions of the sample shapes (numpy style), and an operand
// without dynamic axes is broadcast over all samples of the other.
func Plus(a, b Operand) *Function { return binary(opPlus, a, b) }

// Minus returns a-b, broadcasting the operands.
func Minus(a, b Operand) *Function { return binary(opMinus, a, b) }

// ElementTimes returns the element-wise product a*b, broadcasting the operands.
func ElementTimes(a, b Operand) *Function { return binary(opElementTimes, a, b) }

// ElementDivide returns the element-wise division a/b, broadcasting the operands.
func ElementDivide(a, b Operand) *Function { return binary(opElementDivide, a, b) }

// Pow returns a^b, broadcasting the operands.
func Pow(a, b Operand) *Function { return binary(opPow, a, b) }

// LogAddExp returns log(exp(a)+exp(b)), computed in a numerically stable way.
func LogAddExp(a, b Operand) *Function { return binary(opLogAddExp, a, b) }

// Equal returns 1 where a == b and 0 elsewhere. Comparisons have zero gradient.
func Equal(a, b Operand) *Function { return binary(opEqual, a, b) }

// NotEqual returns 1 where a != b and 0 elsewhere.
func NotEqual(a, b Operand) *Function { return binary(opNotEqual, a, b) }

// Less returns 1 where a < b and 0 elsewhere.
func Less(a, b Operand) *Function { return binary(opLess, a, b) }

// LessEqual returns 1 where a <= b and 0 elsewhere.
func LessEqual(a, b Operand) *Function { return binary(opLessEqual, a, b) }

// Greater returns 1 where a > b and 0 elsewhere.
func Greater(a, b Operand) *Function { return binary(opGreater, a, b) }

// GreaterEqual returns 1 where a >= b and 0 elsewhere.
func GreaterEqual(a, b Operand) *Function { return binary(opGreaterEqual, a, b) }
