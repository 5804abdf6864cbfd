// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/graph/graphtest"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/ml/initializers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	x := SequenceInputVariable(shapes.Make(3), WithName("x"))
	labels := InputVariable(shapes.Make(2), WithName("labels"))
	w := Parameter(shapes.Make(2, 3), initializers.GlorotUniform(42), cpu, WithName("W"))
	b := Parameter(shapes.Make(2), initializers.Normal(7, 0.1), cpu, WithName("b"))
	h := Tanh(Plus(Times(w, PastValue(x, 1, nil)), b))
	last := Alias(Last(Slice(h, shapes.NewAxis(0), 0, 0)), "last")
	model := Combine(last, CrossEntropyWithSoftmax(last, labels), ReduceMax(h, shapes.DefaultSequenceAxis()))

	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, model.Save(path))
	loaded, err := Load(path, cpu)
	require.NoError(t, err)

	// Identities, names and structure are preserved.
	assert.Equal(t, model.UID(), loaded.UID())
	assert.True(t, loaded.IsCombine())
	require.Equal(t, model.NumOutputs(), loaded.NumOutputs())
	for ii, out := range model.Outputs() {
		loadedOut := loaded.Outputs()[ii]
		assert.Equal(t, out.UID(), loadedOut.UID())
		assert.Equal(t, out.Name(), loadedOut.Name())
		assert.Equal(t, out.Shape(), loadedOut.Shape())
		assert.Equal(t, out.DynamicAxes(), loadedOut.DynamicAxes())
	}
	require.Len(t, loaded.Inputs(), len(model.Inputs()))
	for ii, in := range model.Inputs() {
		loadedIn := loaded.Inputs()[ii]
		assert.Equal(t, in.UID(), loadedIn.UID())
		assert.Equal(t, in.Kind(), loadedIn.Kind())
		assert.Equal(t, in.Name(), loadedIn.Name())
		if in.Value() != nil {
			assert.True(t, in.Value().Equal(loadedIn.Value()), "value of %s", in)
		}
	}

	// Outputs are bit-identical.
	loadedX, loadedLabels := loaded.FindByName("x"), loaded.FindByName("labels")
	require.NotNil(t, loadedX)
	require.NotNil(t, loadedLabels)
	xValue := must.M1(values.BatchOfSequencesFromVecs(shapes.Make(3), [][]float32{
		{0.1, 0.2, 0.3, -0.4, 0.5, 0.6},
		{0.7, -0.8, 0.9},
	}, cpu))
	labelsValue := must.M1(values.BatchFromVec(shapes.Make(2), []float32{1, 0, 0, 1}, cpu))
	want := graphtest.Evaluate(t, model, NewDataMap().Add(x, xValue).Add(labels, labelsValue))
	got := graphtest.Evaluate(t, loaded, NewDataMap().Add(loadedX, xValue).Add(loadedLabels, labelsValue))
	require.Len(t, got, len(want))
	for ii := range want {
		assert.Equal(t, want[ii].ToVec(), got[ii].ToVec(), "output #%d", ii)
		assert.True(t, want[ii].Layout().Equal(got[ii].Layout()))
	}

	// Saving the loaded function again produces the same bytes.
	var buf1, buf2 bytes.Buffer
	require.NoError(t, model.SaveTo(&buf1))
	require.NoError(t, loaded.SaveTo(&buf2))
	assert.Equal(t, buf1.Bytes(), buf2.Bytes())
}

func TestSaveLoadSingleFunction(t *testing.T) {
	model, x, _, _ := denseModel(t)
	var buf bytes.Buffer
	require.NoError(t, model.SaveTo(&buf))
	loaded, err := LoadFrom(&buf, cpu)
	require.NoError(t, err)
	assert.False(t, loaded.IsCombine())
	assert.Equal(t, "Sigmoid", loaded.OpName())
	assert.Equal(t, model.UID(), loaded.UID())

	xValue := must.M1(values.FromVec(shapes.Make(3), []float32{1, 1, 1}, cpu))
	loadedX := loaded.Arguments()[0]
	assert.Equal(t, x.UID(), loadedX.UID())
	want := graphtest.Evaluate(t, model, NewDataMap().Add(x, xValue))[0]
	got := graphtest.Evaluate(t, loaded, NewDataMap().Add(loadedX, xValue))[0]
	assert.True(t, want.Equal(got))

	// Loaded parameters are independent of the original ones.
	require.NoError(t, loaded.Parameters()[0].SetValue(must.M1(values.FromVec(shapes.Make(2, 3), make([]float32, 6), cpu))))
	assert.True(t, want.Equal(graphtest.Evaluate(t, model, NewDataMap().Add(x, xValue))[0]))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.bin"), cpu)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFrom(bytes.NewReader([]byte("not a model")), cpu)
	require.ErrorIs(t, err, ErrIO)

	// Right encoding, wrong header.
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(struct {
		Magic   string
		Version int
	}{"something else", 1}))
	_, err = LoadFrom(&buf, cpu)
	require.ErrorIs(t, err, ErrIO)

	// Truncated file.
	model, _, _, _ := denseModel(t)
	buf.Reset()
	require.NoError(t, model.SaveTo(&buf))
	_, err = LoadFrom(bytes.NewReader(buf.Bytes()[:buf.Len()/2]), cpu)
	require.ErrorIs(t, err, ErrIO)

	// Unavailable device.
	_, err = LoadFrom(bytes.NewReader(buf.Bytes()), gpu)
	require.ErrorIs(t, err, ErrIO)

	// Saving to a directory that doesn't exist.
	err = model.Save(filepath.Join(t.TempDir(), "no", "such", "dir", "model.bin"))
	require.ErrorIs(t, err, ErrIO)
}
