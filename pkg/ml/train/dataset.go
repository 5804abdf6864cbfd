// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/symbolic/pkg/core/device"
	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/core/values"
	"github.com/pkg/errors"
)

// Dataset for a Trainer provides the data, one minibatch at a time, as the arguments of the
// trained functions.
//
// The Dataset interface allows for extensions/customizations by defining extra optional interfaces
// that a Dataset optionally can implement. See DatasetCustomOwnership.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a test dataset.
	Reset()

	// Yield the arguments of one minibatch. The values ownership is transferred to the caller
	// (usually a training or evaluation loop), and they are finalized after use. If you don't want
	// that behavior, implement DatasetCustomOwnership.
	//
	// If the error is io.EOF the training/evaluation terminates normally, as it indicates end of
	// data for finite datasets (maybe the end of the epoch). Any other errors interrupt the training.
	Yield() (arguments *graph.DataMap, err error)
}

// DatasetCustomOwnership allows a dataset to specify whether the ownership of the yielded values is
// transferred to the caller (the training loop). It defaults to yes.
type DatasetCustomOwnership interface {
	// IsOwnershipTransferred specifies whether the caller owns the yielded values, and can finalize them
	// after use.
	IsOwnershipTransferred() bool
}

// InMemoryDataset yields minibatches from values held in memory: each variable is given a value
// with a batch (or sequences) layout holding all the samples, and minibatches take batchSize
// samples (or sequences) from each of them.
//
// It is not safe for concurrent use.
type InMemoryDataset struct {
	name      string
	batchSize int
	variables []*graph.Variable
	data      [][][]float32 // per variable, per sample (or sequence), flat data.
	layouts   []values.LayoutKind
	devices   []device.Descriptor
	numItems  int

	infinite, dropIncomplete bool
	rng                      *rand.Rand
	order                    []int
	next                     int
}

var _ DatasetCustomOwnership = (*InMemoryDataset)(nil)

// NewInMemoryDataset creates an empty dataset that yields minibatches of batchSize samples.
// Use Add to add the data of each variable.
func NewInMemoryDataset(name string, batchSize int) *InMemoryDataset {
	if batchSize < 1 {
		panic(errors.Wrapf(graph.ErrInvalidArgument, "NewInMemoryDataset(%q): batchSize must be >= 1, got %d", name, batchSize))
	}
	return &InMemoryDataset{name: name, batchSize: batchSize}
}

// Add the data for variable v. The value must have a batch or sequences layout, and all values
// added must have the same number of samples (or sequences).
func (ds *InMemoryDataset) Add(v *graph.Variable, value *values.Value) error {
	if slices.Contains(ds.variables, v) {
		return errors.Wrapf(graph.ErrInvalidArgument, "InMemoryDataset.Add(%s): variable added twice", v)
	}
	kind := value.Layout().Kind()
	if kind == values.StaticLayout {
		return errors.Wrapf(graph.ErrShapeMismatch, "InMemoryDataset.Add(%s): value must have a batch or sequences layout, got %s",
			v, value.Layout())
	}
	if !value.Shape().Equal(v.Shape()) {
		return errors.Wrapf(graph.ErrShapeMismatch, "InMemoryDataset.Add(%s): value has sample shape %s", v, value.Shape())
	}
	items := value.ToSequences()
	if len(ds.variables) > 0 && len(items) != ds.numItems {
		return errors.Wrapf(graph.ErrShapeMismatch, "InMemoryDataset.Add(%s): value has %d items, previous values have %d",
			v, len(items), ds.numItems)
	}
	ds.variables = append(ds.variables, v)
	ds.data = append(ds.data, items)
	ds.layouts = append(ds.layouts, kind)
	ds.devices = append(ds.devices, value.Device())
	ds.numItems = len(items)
	ds.Reset()
	return nil
}

// Shuffle the order of the samples, at every epoch, with the given seed.
func (ds *InMemoryDataset) Shuffle(seed uint64) *InMemoryDataset {
	ds.rng = rand.New(rand.NewPCG(seed, seed))
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop over the data indefinitely, never returning io.EOF.
func (ds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	ds.infinite = infinite
	return ds
}

// DropIncompleteBatch skips the last minibatch of an epoch, if it has fewer than batchSize samples.
func (ds *InMemoryDataset) DropIncompleteBatch(drop bool) *InMemoryDataset {
	ds.dropIncomplete = drop
	return ds
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// NumItems returns the number of samples (or sequences) in the dataset.
func (ds *InMemoryDataset) NumItems() int { return ds.numItems }

// String implements fmt.Stringer.
func (ds *InMemoryDataset) String() string {
	return fmt.Sprintf("InMemoryDataset(%q, %d items, batchSize=%d)", ds.name, ds.numItems, ds.batchSize)
}

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() {
	ds.next = 0
	ds.order = ds.order[:0]
	for ii := range ds.numItems {
		ds.order = append(ds.order, ii)
	}
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// IsOwnershipTransferred implements DatasetCustomOwnership: yielded values are always new.
func (ds *InMemoryDataset) IsOwnershipTransferred() bool { return true }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (*graph.DataMap, error) {
	if ds.numItems == 0 {
		return nil, errors.Wrapf(graph.ErrInvalidArgument, "dataset %q has no data", ds.name)
	}
	remaining := ds.numItems - ds.next
	if remaining == 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		if !ds.infinite {
			return nil, io.EOF
		}
		ds.Reset()
		remaining = ds.numItems
	}
	n := min(ds.batchSize, remaining)
	indices := ds.order[ds.next : ds.next+n]
	ds.next += n

	arguments := graph.NewDataMap()
	for varIdx, v := range ds.variables {
		items := ds.data[varIdx]
		var flat []float32
		lengths := make([]int, 0, n)
		size := v.Shape().TotalSize()
		for _, idx := range indices {
			flat = append(flat, items[idx]...)
			lengths = append(lengths, len(items[idx])/size)
		}
		layout := values.Batch(n)
		if ds.layouts[varIdx] == values.SequencesLayout {
			layout = values.Sequences(lengths...)
		}
		value, err := values.FromFlat(v.Shape(), layout, flat, ds.devices[varIdx])
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q: building minibatch for %s", ds.name, v)
		}
		arguments.Add(v, value)
	}
	return arguments, nil
}
