// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/shapes"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	modelMagic   = "gomlx/symbolic.Function"
	modelVersion = 1
)

type modelHeader struct {
	Magic   string
	Version int
}

// variableDef is the serialized form of a Variable.
type variableDef struct {
	UID         uuid.UUID
	Kind        VariableKind
	Name        string
	Shape       shapes.Shape
	DynamicAxes []shapes.Axis

	// Data holds the value of parameters and constants.
	Data []float32
}

// functionDef is the serialized form of a Function. Inputs and Outputs are indices into modelDef.Variables.
type functionDef struct {
	UID     uuid.UUID
	Name    string
	Op      string
	Attrs   opAttrs
	Inputs  []int
	Outputs []int
}

// modelDef is the serialized form of the graph of a Function. Functions are in topological order, except
// for the first operand of delays closing a recurrence, which may refer to a later function.
type modelDef struct {
	Variables []variableDef
	Functions []functionDef

	// Root is the index of the saved Function in Functions, or -1 if it is a Combine, described by CombineDef.
	Root       int
	CombineDef functionDef
}

// ioErrorf returns an error wrapping both ErrIO and err.
func ioErrorf(err error, format string, args ...any) error {
	return errors.WithStack(fmt.Errorf("%w: %s: %w", ErrIO, fmt.Sprintf(format, args...), err))
}

// Save the Function, including the current values of its parameters, to the given file path.
// Errors wrap ErrIO.
func (f *Function) Save(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return ioErrorf(err, "creating %q to save function", filePath)
	}
	err = f.SaveTo(file)
	if err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "saving function to %q", filePath)
	}
	err = file.Close()
	if err != nil {
		return ioErrorf(err, "closing file %q, where function was saved", filePath)
	}
	return nil
}

// SaveTo writes the Function, including the current values of its parameters, to w.
// Errors wrap ErrIO.
func (f *Function) SaveTo(w io.Writer) error {
	def := f.toModelDef()
	enc := gob.NewEncoder(w)
	if err := enc.Encode(modelHeader{Magic: modelMagic, Version: modelVersion}); err != nil {
		return ioErrorf(err, "writing header")
	}
	if err := enc.Encode(def); err != nil {
		return ioErrorf(err, "writing graph")
	}
	klog.V(2).Infof("Saved function %s: %d variables, %d functions", f, len(def.Variables), len(def.Functions))
	return nil
}

func (f *Function) toModelDef() *modelDef {
	order := f.getOrder()
	def := &modelDef{Root: -1}
	indices := make(map[*Variable]int)
	addVariable := func(v *Variable) int {
		vDef := variableDef{
			UID:         v.uid,
			Kind:        v.kind,
			Name:        v.name,
			Shape:       v.shape,
			DynamicAxes: v.dynamicAxes,
		}
		if value := v.Value(); value != nil {
			vDef.Data = value.ToVec()
		}
		indices[v] = len(def.Variables)
		def.Variables = append(def.Variables, vDef)
		return indices[v]
	}
	for _, v := range order.leaves {
		addVariable(v)
	}
	for _, fn := range order.functions {
		for _, out := range fn.outputs {
			addVariable(out)
		}
	}
	for _, fn := range order.functions {
		fnDef := functionDef{UID: fn.uid, Name: fn.name, Op: fn.op.name, Attrs: fn.attrs}
		for _, in := range fn.inputs {
			fnDef.Inputs = append(fnDef.Inputs, indices[in])
		}
		for _, out := range fn.outputs {
			fnDef.Outputs = append(fnDef.Outputs, indices[out])
		}
		if fn == f {
			def.Root = len(def.Functions)
		}
		def.Functions = append(def.Functions, fnDef)
	}
	if f.IsCombine() {
		def.CombineDef = functionDef{UID: f.uid, Name: f.name}
		for _, out := range f.outputs {
			def.CombineDef.Outputs = append(def.CombineDef.Outputs, indices[out])
		}
	}
	return def
}

// Load a Function saved with Function.Save from the given file path. Parameters and constants are
// created on the given device. Identifiers (Variable.UID and Function.UID) are preserved.
// Errors wrap ErrIO.
func Load(filePath string, dev device.Descriptor) (*Function, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, ioErrorf(err, "opening %q to load function", filePath)
	}
	defer func() { _ = file.Close() }()
	f, err := LoadFrom(file, dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading function from %q", filePath)
	}
	return f, nil
}

// LoadFrom reads a Function written by Function.SaveTo. See Load.
func LoadFrom(r io.Reader, dev device.Descriptor) (*Function, error) {
	dec := gob.NewDecoder(r)
	var header modelHeader
	if err := dec.Decode(&header); err != nil {
		return nil, ioErrorf(err, "reading header")
	}
	if header.Magic != modelMagic || header.Version != modelVersion {
		return nil, errors.Wrapf(ErrIO, "unknown format %q version %d", header.Magic, header.Version)
	}
	var def modelDef
	if err := dec.Decode(&def); err != nil {
		return nil, ioErrorf(err, "reading graph")
	}
	var f *Function
	err := exceptions.TryCatch[error](func() { f = def.build(dev) })
	if err != nil {
		return nil, ioErrorf(err, "rebuilding graph")
	}
	return f, nil
}

// build recreates the graph described by def. It panics on invalid definitions.
func (def *modelDef) build(dev device.Descriptor) *Function {
	vars := make([]*Variable, len(def.Variables))
	getVar := func(idx int) *Variable {
		if idx < 0 || idx >= len(vars) || vars[idx] == nil {
			exceptions.Panicf("invalid variable reference #%d", idx)
		}
		return vars[idx]
	}
	for ii, vDef := range def.Variables {
		if vDef.Kind == OutputKind {
			continue
		}
		v := newVariable(vDef.Kind, vDef.Shape, vDef.DynamicAxes, WithName(vDef.Name))
		v.uid = vDef.UID
		if vDef.Kind == ParameterKind || vDef.Kind == ConstantKind {
			value, err := values.FromFlat(vDef.Shape, values.Static(), vDef.Data, dev)
			if err != nil {
				panic(errors.WithMessagef(err, "value of %s", v))
			}
			v.value = value
		}
		vars[ii] = v
	}
	var fns []*Function
	type forwardOperand struct {
		fn  *Function
		idx int
	}
	var pending []forwardOperand
	for _, fnDef := range def.Functions {
		op, found := opRegistry[fnDef.Op]
		if !found {
			exceptions.Panicf("unknown operator %q", fnDef.Op)
		}
		if len(fnDef.Outputs) != 1 {
			exceptions.Panicf("operator %q with %d outputs", fnDef.Op, len(fnDef.Outputs))
		}
		inputs := make([]Operand, len(fnDef.Inputs))
		var forward *Variable
		for ii, idx := range fnDef.Inputs {
			if ii == 0 && (op == opPastValue || op == opFutureValue) && idx >= 0 && idx < len(vars) && vars[idx] == nil {
				// Recurrence: a stand-in with the saved shape is used until the operand is built.
				xDef := def.Variables[idx]
				forward = newVariable(OutputKind, xDef.Shape, xDef.DynamicAxes)
				inputs[ii] = forward
				continue
			}
			inputs[ii] = getVar(idx)
		}
		fn := newFunction(op, fnDef.Attrs, fnDef.Name, inputs...)
		if forward != nil {
			pending = append(pending, forwardOperand{fn: fn, idx: fnDef.Inputs[0]})
		}
		fn.uid = fnDef.UID
		outDef := def.Variables[fnDef.Outputs[0]]
		out := fn.outputs[0]
		out.uid, out.name = outDef.UID, outDef.Name
		vars[fnDef.Outputs[0]] = out
		fns = append(fns, fn)
	}
	for _, p := range pending {
		patchDelayInput(p.fn, getVar(p.idx))
	}
	if def.Root >= 0 {
		if def.Root >= len(fns) {
			exceptions.Panicf("invalid root function #%d", def.Root)
		}
		root := fns[def.Root]
		root.getOrder()
		return root
	}
	outputs := make([]Operand, len(def.CombineDef.Outputs))
	for ii, idx := range def.CombineDef.Outputs {
		outputs[ii] = getVar(idx)
	}
	f := Combine(outputs...)
	f.uid, f.name = def.CombineDef.UID, def.CombineDef.Name
	f.getOrder()
	return f
}
