// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"testing"

	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// Evaluate f with the given arguments on the CPU, and returns the values of all its outputs, in order.
// It fails the test on error.
func Evaluate(t *testing.T, f *graph.Function, arguments *graph.DataMap) []*values.Value {
	outputs := graph.NewOutputDataMap()
	for _, out := range f.Outputs() {
		outputs.AddNull(out)
	}
	require.NoErrorf(t, f.Evaluate(arguments, outputs, device.CPUDevice()), "failed to evaluate %s", f)
	results := make([]*values.Value, 0, outputs.Len())
	for _, out := range f.Outputs() {
		results = append(results, outputs.Get(out))
	}
	return results
}

// RunTestFunction evaluates f and compares the flat values of its outputs with want.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestFunction(t *testing.T, testName string, f *graph.Function, arguments *graph.DataMap, want [][]float32, delta float64) {
	t.Run(testName, func(t *testing.T) {
		outputs := Evaluate(t, f, arguments)
		fmt.Printf("\n%s:\n", testName)
		for ii, output := range outputs {
			fmt.Printf("\tOutput %d: %s\n", ii, output)
		}
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)
		for ii, output := range outputs {
			got := output.ToVec()
			if delta <= 0 {
				require.Equalf(t, want[ii], got, "%s: output #%d doesn't match", testName, ii)
				continue
			}
			require.Truef(t, xslices.InDelta(want[ii], got, delta), "%s: output #%d: want %v, got %v",
				testName, ii, want[ii], got)
		}
	})
}

// sumOfOutput evaluates f, which must have a single output, and returns the sum of all its elements.
func sumOfOutput(t *testing.T, f *graph.Function, arguments *graph.DataMap) float64 {
	outputs := Evaluate(t, f, arguments)
	var sum float64
	for _, v := range outputs[0].ToVec() {
		sum += float64(v)
	}
	return sum
}

// CheckGradients compares the gradients computed by Function.Backward of the sum of the output of f
// with respect to each variable in wrt (parameters or inputs bound in arguments), with gradients
// estimated by central finite differences with the given epsilon.
//
// Each element must match within delta, relative to max(1, |gradient|).
// Parameter values are restored before it returns.
func CheckGradients(t *testing.T, f *graph.Function, arguments *graph.DataMap, wrt []*graph.Variable, epsilon, delta float64) {
	dev := device.CPUDevice()
	out := f.Output()
	state, err := f.Forward(arguments, graph.NewOutputDataMap(out), dev, graph.NewVariableSet(out),
		graph.NewVariableSet(xslices.Map(wrt, func(v *graph.Variable) graph.Operand { return v })...))
	require.NoError(t, err)
	gradients := graph.NewDataMap()
	for _, v := range wrt {
		gradients.AddNull(v)
	}
	require.NoError(t, f.Backward(state, graph.NewOutputDataMap(out), gradients))

	for _, v := range wrt {
		grad := gradients.Get(v)
		require.NotNilf(t, grad, "no gradient computed for %s", v)
		analytic := grad.ToVec()

		original := v.Value()
		if !v.IsParameter() {
			original = arguments.Get(v)
		}
		set := func(flat []float32) {
			value := must.M1(values.FromFlat(original.Shape(), original.Layout(), flat, dev))
			if v.IsParameter() {
				require.NoError(t, v.SetValue(value))
			} else {
				arguments.Add(v, value)
			}
		}
		flat := original.ToVec()
		require.Lenf(t, analytic, len(flat), "gradient of %s has the wrong size", v)
		for ii := range flat {
			saved := flat[ii]
			flat[ii] = saved + float32(epsilon)
			set(flat)
			plus := sumOfOutput(t, f, arguments)
			flat[ii] = saved - float32(epsilon)
			set(flat)
			minus := sumOfOutput(t, f, arguments)
			flat[ii] = saved
			numeric := (plus - minus) / (2 * epsilon)
			tolerance := delta * max(1, abs(numeric))
			require.InDeltaf(t, numeric, float64(analytic[ii]), tolerance,
				"gradient of %s, element #%d: finite differences %g, backward %g", v, ii, numeric, analytic[ii])
		}
		if v.IsParameter() {
			require.NoError(t, v.SetValue(original))
		} else {
			arguments.Add(v, original)
		}
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
