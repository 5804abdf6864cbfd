// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device describes where values live and computations run, and holds the process-wide
// configuration of the CPU executor.
//
// Only the CPU is available in this implementation: GPU descriptors can be created and compared,
// but using them for values or executions fails with ErrUnavailable.
package device

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnavailable is returned when a device that is not available is requested.
var ErrUnavailable = errors.New("device not available")

// Kind of device.
type Kind int

const (
	CPU Kind = iota
	GPU
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Descriptor identifies an execution target. It is a comparable value type.
type Descriptor struct {
	Kind Kind
	ID   int
}

// CPUDevice returns the descriptor of the host CPU.
func CPUDevice() Descriptor { return Descriptor{Kind: CPU} }

// GPUDevice returns the descriptor of the GPU with the given ordinal.
func GPUDevice(id int) Descriptor { return Descriptor{Kind: GPU, ID: id} }

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	if d.Kind == CPU {
		return "CPU"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// Equal returns whether both descriptors refer to the same device.
func (d Descriptor) Equal(d2 Descriptor) bool { return d == d2 }

// IsAvailable returns whether the device can hold values and run computations.
func (d Descriptor) IsAvailable() bool { return d.Kind == CPU && d.ID == 0 }

// Check returns an error wrapping ErrUnavailable if the device is not available.
func (d Descriptor) Check() error {
	if !d.IsAvailable() {
		return errors.Wrapf(ErrUnavailable, "device %s", d)
	}
	return nil
}

var (
	muDefault     sync.RWMutex
	defaultDevice = CPUDevice()
)

// Default returns the device used when none is specified.
func Default() Descriptor {
	muDefault.RLock()
	defer muDefault.RUnlock()
	return defaultDevice
}

// SetDefault changes the default device. It returns an error if the device is not available.
func SetDefault(d Descriptor) error {
	if err := d.Check(); err != nil {
		return err
	}
	muDefault.Lock()
	defer muDefault.Unlock()
	defaultDevice = d
	return nil
}

// AllDevices returns the available devices.
func AllDevices() []Descriptor {
	return []Descriptor{CPUDevice()}
}
