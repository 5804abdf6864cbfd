// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/gomlx/symbolic/internal/workerspool"
	"k8s.io/klog/v2"
)

// CPUThreadsEnv is the environment variable read at start-up with the default maximum number of
// CPU threads used by the executor. If not set, runtime.NumCPU() is used.
const CPUThreadsEnv = "SYMBOLIC_CPU_THREADS"

var (
	muWorkers sync.Mutex
	workers   *workerspool.Pool
)

func init() {
	threads := runtime.NumCPU()
	if config, found := os.LookupEnv(CPUThreadsEnv); found {
		n, err := strconv.Atoi(config)
		if err != nil || n < 1 {
			klog.Warningf("invalid value %q for $%s, using %d threads", config, CPUThreadsEnv, threads)
		} else {
			threads = n
		}
	}
	workers = workerspool.New(threads)
}

// SetMaxNumCPUThreads sets the maximum number of CPU threads used by the executor.
//
// It is a process-wide setting that takes effect for executions started after the call: executions
// already in flight keep the setting they started with. There is no undo, call it again with the
// previous value to restore it. Values < 1 are taken as 1.
func SetMaxNumCPUThreads(n int) {
	n = max(n, 1)
	muWorkers.Lock()
	defer muWorkers.Unlock()
	workers = workerspool.New(n)
	klog.V(1).Infof("executor set to use at most %d CPU threads", n)
}

// MaxNumCPUThreads returns the current maximum number of CPU threads used by the executor.
func MaxNumCPUThreads() int {
	return Workers().MaxParallelism()
}

// Workers returns the pool of workers configured for new executions.
//
// Executions should call it once when they start and hold on to the returned pool.
func Workers() *workerspool.Pool {
	muWorkers.Lock()
	defer muWorkers.Unlock()
	return workers
}
