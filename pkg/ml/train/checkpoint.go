// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/symbolic/pkg/core/graph"
	"github.com/gomlx/symbolic/pkg/ml/learners"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// CheckpointModelFile is the name of the file, in a checkpoint directory, with the model and loss
	// graphs and the values of their parameters.
	CheckpointModelFile = "model.bin"

	// CheckpointTrainerFile is the name of the file, in a checkpoint directory, with the state of
	// the learners and the trainer statistics.
	CheckpointTrainerFile = "trainer.bin"

	checkpointMagic   = "symbolic.train.Trainer"
	checkpointVersion = 1
)

// trainerCheckpoint is the gob encoded content of CheckpointTrainerFile.
type trainerCheckpoint struct {
	Magic          string
	Version        int
	TotalSamples   int64
	NumMinibatches int64
	Learners       []*learners.State
}

func ioErrorf(err error, format string, args ...any) error {
	return errors.WithStack(fmt.Errorf("%w: %s: %w", graph.ErrIO, fmt.Sprintf(format, args...), err))
}

// SaveCheckpoint saves the model, the loss and the parameter values, along with the state of the
// learners, to files in dir. The directory is created if needed, and previous files are replaced.
//
// Gradients being accumulated (see AccumulateGradients) are not saved.
func (t *Trainer) SaveCheckpoint(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErrorf(err, "creating checkpoint directory %q", dir)
	}
	if err := t.exec.Save(filepath.Join(dir, CheckpointModelFile)); err != nil {
		return errors.WithMessagef(err, "SaveCheckpoint(%q)", dir)
	}
	checkpoint := &trainerCheckpoint{
		Magic:          checkpointMagic,
		Version:        checkpointVersion,
		TotalSamples:   t.totalSamples,
		NumMinibatches: t.numMinibatches,
	}
	for _, learner := range t.learners {
		checkpoint.Learners = append(checkpoint.Learners, learner.State())
	}
	err := writeFileAtomically(filepath.Join(dir, CheckpointTrainerFile), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(checkpoint)
	})
	if err != nil {
		return errors.WithMessagef(err, "SaveCheckpoint(%q)", dir)
	}
	klog.V(1).Infof("saved checkpoint to %q after %d minibatches", dir, t.numMinibatches)
	return nil
}

// writeFileAtomically writes to a temporary file that is renamed to path once complete.
func writeFileAtomically(path string, write func(f *os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return ioErrorf(err, "creating %q", path)
	}
	tmpPath := f.Name()
	err = write(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return ioErrorf(err, "writing %q", path)
	}
	return nil
}

func readTrainerCheckpoint(dir string) (*trainerCheckpoint, error) {
	f, err := os.Open(filepath.Join(dir, CheckpointTrainerFile))
	if err != nil {
		return nil, ioErrorf(err, "reading checkpoint %q", dir)
	}
	defer func() { _ = f.Close() }()
	var checkpoint trainerCheckpoint
	if err = gob.NewDecoder(f).Decode(&checkpoint); err != nil {
		return nil, ioErrorf(err, "decoding %s in %q", CheckpointTrainerFile, dir)
	}
	if checkpoint.Magic != checkpointMagic || checkpoint.Version != checkpointVersion {
		return nil, errors.Wrapf(graph.ErrIO, "checkpoint %q: unknown format %q version %d", dir,
			checkpoint.Magic, checkpoint.Version)
	}
	return &checkpoint, nil
}

// CheckpointInfo holds the trainer statistics and the learner states saved in a checkpoint.
type CheckpointInfo struct {
	TotalSamples   int64
	NumMinibatches int64
	Learners       []*learners.State
}

// ReadCheckpointInfo reads the trainer part of a checkpoint saved by Trainer.SaveCheckpoint, without a trainer.
// The model part can be read with graph.Load of the CheckpointModelFile in dir.
func ReadCheckpointInfo(dir string) (*CheckpointInfo, error) {
	checkpoint, err := readTrainerCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	return &CheckpointInfo{
		TotalSamples:   checkpoint.TotalSamples,
		NumMinibatches: checkpoint.NumMinibatches,
		Learners:       checkpoint.Learners,
	}, nil
}

// RestoreFromCheckpoint restores the parameter values and the learner states saved by SaveCheckpoint.
//
// Parameters are matched by UID, so the trainer must have been built from the same model (the
// same process, or a model loaded with graph.Load). Parameters missing from the checkpoint are an
// error. Nothing is changed if an error is returned.
func (t *Trainer) RestoreFromCheckpoint(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	checkpoint, err := readTrainerCheckpoint(dir)
	if err != nil {
		return errors.WithMessage(err, "RestoreFromCheckpoint()")
	}
	if len(checkpoint.Learners) != len(t.learners) {
		return errors.Wrapf(graph.ErrInvalidArgument, "RestoreFromCheckpoint(%q): checkpoint has %d learners, trainer has %d",
			dir, len(checkpoint.Learners), len(t.learners))
	}

	// Parameters of the saved function, indexed by UID.
	all := t.exec.Parameters()
	if len(all) == 0 {
		return errors.Wrapf(graph.ErrInvalidArgument, "RestoreFromCheckpoint(%q): trainer has no parameters", dir)
	}
	saved, err := graph.Load(filepath.Join(dir, CheckpointModelFile), all[0].Value().Device())
	if err != nil {
		return errors.WithMessagef(err, "RestoreFromCheckpoint(%q)", dir)
	}
	savedParams := make(map[string]*graph.Variable)
	for _, p := range saved.Parameters() {
		savedParams[p.UID().String()] = p
	}
	for _, p := range all {
		savedP, found := savedParams[p.UID().String()]
		if !found {
			return errors.Wrapf(graph.ErrInvalidArgument, "RestoreFromCheckpoint(%q): parameter %s not found in checkpoint", dir, p)
		}
		if !savedP.Shape().Equal(p.Shape()) {
			return errors.Wrapf(graph.ErrShapeMismatch, "RestoreFromCheckpoint(%q): parameter %s saved with shape %s",
				dir, p, savedP.Shape())
		}
	}

	// Learner states are restored first: they are fully validated by SetState.
	previous := make([]*learners.State, len(t.learners))
	for ii, learner := range t.learners {
		previous[ii] = learner.State()
		if err := learner.SetState(checkpoint.Learners[ii]); err != nil {
			for jj := range ii {
				_ = t.learners[jj].SetState(previous[jj])
			}
			return errors.WithMessagef(err, "RestoreFromCheckpoint(%q): learner #%d", dir, ii)
		}
	}
	for _, p := range all {
		if err := p.SetValue(savedParams[p.UID().String()].Value()); err != nil {
			return errors.WithMessagef(err, "RestoreFromCheckpoint(%q)", dir)
		}
	}
	t.totalSamples = checkpoint.TotalSamples
	t.numMinibatches = checkpoint.NumMinibatches
	t.accumulated, t.accumulatedCount, t.accumulatedSamples = nil, 0, 0
	klog.V(1).Infof("restored checkpoint from %q (%d minibatches)", dir, t.numMinibatches)
	return nil
}
