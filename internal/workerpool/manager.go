// Package workerpool implements the Worker Manager: it sizes the worker
// pool, spawns worker processes, and allocates each one a free ephemeral
// comm port (SPEC_FULL.md §11).
package workerpool

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
	"github.com/aiperf-run/aiperf/internal/types"
)

// ResolveWorkerCount implements the worker-count sizing formula resolved in
// SPEC_FULL.md §12.2: min(max_workers, max(min_workers, concurrency+1,
// cpu_count-1)), clamped to at least 1. This supersedes the original's bare
// cpu_count() fallback with no cap (SPEC_FULL.md §11).
func ResolveWorkerCount(cfg types.UserConfig) int {
	cpuCount := runtime.NumCPU()

	candidate := cfg.MinWorkers
	if cfg.Concurrency+1 > candidate {
		candidate = cfg.Concurrency + 1
	}
	if cpuCount-1 > candidate {
		candidate = cpuCount - 1
	}

	if cfg.MaxWorkers > 0 && candidate > cfg.MaxWorkers {
		candidate = cfg.MaxWorkers
	}
	if candidate < 1 {
		candidate = 1
	}
	return candidate
}

// FindAvailablePort allocates a free ephemeral TCP port on loopback, used
// to give each locally-spawned worker process its own comm endpoint
// without collisions (ported from the original's config.FindAvailablePort
// pattern, SPEC_FULL.md §11).
func FindAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find available port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// ProcessHandle tracks one spawned worker subprocess.
type ProcessHandle struct {
	WorkerID string
	Port     int
	cmd      *exec.Cmd
}

// Manager spawns and tracks worker processes for the current run type.
// Kubernetes spawning is a modeled but unimplemented extension point
// (SPEC_FULL.md §11): RunType == RunTypeKubernetes returns
// aiperferrors.ErrRunTypeUnsupported.
type Manager struct {
	workerBinary string

	mu      sync.Mutex
	workers map[string]*ProcessHandle
}

// NewManager constructs a Manager that spawns the worker binary at path.
func NewManager(workerBinary string) *Manager {
	return &Manager{
		workerBinary: workerBinary,
		workers:      make(map[string]*ProcessHandle),
	}
}

// SpawnWorkers starts n worker processes according to runType.
func (m *Manager) SpawnWorkers(ctx context.Context, n int, runType types.ServiceRunType, busAddr string) ([]*ProcessHandle, error) {
	switch runType {
	case types.RunTypeKubernetes:
		return nil, aiperferrors.ErrRunTypeUnsupported
	case types.RunTypeMultiprocessing, "":
		return m.spawnMultiprocessingWorkers(ctx, n, busAddr)
	default:
		return nil, aiperferrors.ErrRunTypeUnsupported
	}
}

func (m *Manager) spawnMultiprocessingWorkers(ctx context.Context, n int, busAddr string) ([]*ProcessHandle, error) {
	handles := make([]*ProcessHandle, 0, n)
	for i := 0; i < n; i++ {
		port, err := FindAvailablePort()
		if err != nil {
			return handles, err
		}

		workerID := fmt.Sprintf("worker-%d", i)
		cmd := exec.CommandContext(ctx, m.workerBinary,
			"--worker-id", workerID,
			"--bus-addr", busAddr,
			"--health-port", fmt.Sprintf("%d", port),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return handles, fmt.Errorf("spawn worker %s: %w", workerID, err)
		}

		handle := &ProcessHandle{WorkerID: workerID, Port: port, cmd: cmd}
		m.mu.Lock()
		m.workers[workerID] = handle
		m.mu.Unlock()
		handles = append(handles, handle)
	}
	return handles, nil
}

// Wait blocks until a spawned worker process exits.
func (h *ProcessHandle) Wait() error {
	if h.cmd == nil {
		return nil
	}
	return h.cmd.Wait()
}

// ActiveWorkerCount returns the number of tracked worker processes.
func (m *Manager) ActiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
