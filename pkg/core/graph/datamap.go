// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"cmp"

	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/gomlx/symbolic/pkg/support/sets"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DataMap maps Variables to Values, or to null (a value to be computed by the callee).
//
// It keeps the order in which variables were first added. Adding a variable that is already
// present replaces its value (last write wins) and keeps its position.
// A DataMap is not safe for concurrent modification.
type DataMap struct {
	m *orderedmap.OrderedMap[*Variable, *values.Value]
}

// NewDataMap creates an empty DataMap.
func NewDataMap() *DataMap {
	return &DataMap{m: orderedmap.New[*Variable, *values.Value]()}
}

// NewOutputDataMap creates a DataMap with the given variables mapped to null, to be filled by
// Function.Evaluate or Function.Forward.
func NewOutputDataMap(operands ...Operand) *DataMap {
	dm := NewDataMap()
	for _, operand := range operands {
		dm.AddNull(operand)
	}
	return dm
}

// Add maps the variable to the value. It returns the DataMap itself, so calls can be cascaded.
func (dm *DataMap) Add(operand Operand, value *values.Value) *DataMap {
	dm.m.Set(operand.AsVariable(), value)
	return dm
}

// AddNull maps the variable to null, meaning the value is to be computed.
func (dm *DataMap) AddNull(operand Operand) *DataMap {
	dm.m.Set(operand.AsVariable(), nil)
	return dm
}

// Get returns the value mapped to the variable, or nil if it is absent or null. A nil DataMap is empty.
func (dm *DataMap) Get(operand Operand) *values.Value {
	if dm == nil {
		return nil
	}
	value, _ := dm.m.Get(operand.AsVariable())
	return value
}

// Has returns whether the variable is present, even if mapped to null.
func (dm *DataMap) Has(operand Operand) bool {
	if dm == nil {
		return false
	}
	_, found := dm.m.Get(operand.AsVariable())
	return found
}

// Delete removes the variable from the map.
func (dm *DataMap) Delete(operand Operand) {
	dm.m.Delete(operand.AsVariable())
}

// Len returns the number of variables in the map.
func (dm *DataMap) Len() int {
	if dm == nil {
		return 0
	}
	return dm.m.Len()
}

// Variables returns the variables in the map, in the order they were first added.
func (dm *DataMap) Variables() []*Variable {
	if dm == nil {
		return nil
	}
	vars := make([]*Variable, 0, dm.m.Len())
	for pair := dm.m.Oldest(); pair != nil; pair = pair.Next() {
		vars = append(vars, pair.Key)
	}
	return vars
}

// ReplacementMap maps Placeholders to the Variables that replace them. See Function.ReplacePlaceholders.
//
// It keeps insertion order, and adding a placeholder already present replaces its replacement (last write wins).
type ReplacementMap struct {
	m *orderedmap.OrderedMap[*Variable, *Variable]
}

// NewReplacementMap creates an empty ReplacementMap.
func NewReplacementMap() *ReplacementMap {
	return &ReplacementMap{m: orderedmap.New[*Variable, *Variable]()}
}

// Add maps the placeholder to its replacement. It returns the ReplacementMap itself, so calls can be cascaded.
func (rm *ReplacementMap) Add(placeholder *Variable, replacement Operand) *ReplacementMap {
	rm.m.Set(placeholder, replacement.AsVariable())
	return rm
}

// Get returns the replacement for the placeholder, or nil if not present.
func (rm *ReplacementMap) Get(placeholder *Variable) *Variable {
	v, _ := rm.m.Get(placeholder)
	return v
}

// Len returns the number of entries.
func (rm *ReplacementMap) Len() int { return rm.m.Len() }

// Placeholders returns the placeholders in the map, in insertion order.
func (rm *ReplacementMap) Placeholders() []*Variable {
	vars := make([]*Variable, 0, rm.m.Len())
	for pair := rm.m.Oldest(); pair != nil; pair = pair.Next() {
		vars = append(vars, pair.Key)
	}
	return vars
}

// VariableSet is a set of Variables, used to select which outputs to retain, or which variables
// need gradients, in Function.Forward.
type VariableSet struct {
	s sets.Set[*Variable]
}

// NewVariableSet creates a set with the given variables.
func NewVariableSet(operands ...Operand) *VariableSet {
	vs := &VariableSet{s: sets.Make[*Variable](len(operands))}
	for _, operand := range operands {
		vs.Add(operand)
	}
	return vs
}

// Add the variable to the set. It returns the set itself, so calls can be cascaded.
func (vs *VariableSet) Add(operand Operand) *VariableSet {
	vs.s.Insert(operand.AsVariable())
	return vs
}

// Remove the variable from the set.
func (vs *VariableSet) Remove(operand Operand) {
	vs.s.Delete(operand.AsVariable())
}

// Has returns whether the variable is in the set. A nil set is empty.
func (vs *VariableSet) Has(operand Operand) bool {
	if vs == nil {
		return false
	}
	return vs.s.Has(operand.AsVariable())
}

// Len returns the number of variables in the set. A nil set is empty.
func (vs *VariableSet) Len() int {
	if vs == nil {
		return 0
	}
	return len(vs.s)
}

// Variables returns the variables of the set, ordered by creation (Variable.ID).
func (vs *VariableSet) Variables() []*Variable {
	if vs == nil {
		return nil
	}
	return vs.s.SortedFunc(func(a, b *Variable) int { return cmp.Compare(a.id, b.id) })
}
