package worker

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/aiperf-run/aiperf/internal/types"
)

// HealthSampler reports this worker process's own resource usage, carried
// on every heartbeat and used by the worker manager's saturation signal.
// Sampling shape (self-PID CPUPercent via gopsutil) is grounded in
// cmd/agent's collectMetrics, simplified to the one process a worker always
// knows about: itself.
type HealthSampler struct {
	proc *process.Process
}

// NewHealthSampler builds a sampler bound to the current process. Returns
// nil if the current process cannot be inspected (sampling is best-effort
// and never fatal to a run).
func NewHealthSampler() *HealthSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &HealthSampler{proc: proc}
}

// Sample returns a WorkerHealth snapshot combining CPU usage with the
// caller-supplied in-flight turn count.
func (h *HealthSampler) Sample(inFlight int) *types.WorkerHealth {
	health := &types.WorkerHealth{ActiveVUs: inFlight, InFlight: inFlight}
	if h == nil || h.proc == nil {
		return health
	}
	if pct, err := h.proc.CPUPercent(); err == nil {
		health.CPUPercent = pct
	}
	return health
}
