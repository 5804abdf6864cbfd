// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Errors returned (wrapped) by the graph package. Use errors.Is to test for them.
var (
	// ErrShapeMismatch indicates operands with incompatible shapes or dynamic axes, either when building
	// the graph or when binding values to it.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnresolvedPlaceholder indicates an attempt to execute a function that still has placeholders.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

	// ErrMissingBinding indicates a required input that was not given a value.
	ErrMissingBinding = errors.New("missing binding")

	// ErrDeviceMismatch indicates a value that doesn't reside on the device of the execution.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrInvalidBackPropState indicates a BackPropState used twice, or with a different function.
	ErrInvalidBackPropState = errors.New("invalid BackPropState")

	// ErrIO indicates a failure saving or loading a function.
	ErrIO = errors.New("I/O error")

	// ErrInvalidArgument indicates an argument that is not valid for the operation, for instance
	// requesting a gradient for a variable that is not part of the function.
	ErrInvalidArgument = errors.New("invalid argument")
)

// panicShapeMismatchf panics with an error wrapping ErrShapeMismatch.
func panicShapeMismatchf(format string, args ...any) {
	panic(errors.Wrapf(ErrShapeMismatch, format, args...))
}

// panicInvalidArgumentf panics with an error wrapping ErrInvalidArgument.
func panicInvalidArgumentf(format string, args ...any) {
	panic(errors.Wrapf(ErrInvalidArgument, format, args...))
}

// TryBuild runs buildFn, which builds a graph, and returns any error it panics with.
//
// Graph building functions panic with an error (typically wrapping ErrShapeMismatch) at the offending
// operator. TryBuild converts those panics to an error, for callers that prefer error values.
func TryBuild(buildFn func()) error {
	return exceptions.TryCatch[error](buildFn)
}
