// Package controller implements the Service Controller: the process that
// spawns every other service, waits for their REGISTER announcements,
// drives the PROFILE_CONFIGURE/PROFILE_START/PROFILE_STOP phase machine,
// monitors heartbeats, and collects FINAL_RESULTS.
package controller

import (
	"errors"
	"sync"
	"time"

	"github.com/aiperf-run/aiperf/internal/types"
)

var ErrServiceNotRegistered = errors.New("service not registered")

// ServiceState is the controller's view of one registered service.
type ServiceState struct {
	ServiceID     string
	ServiceType   types.ServiceType
	Host          types.HostInfo
	RegisteredAt  int64
	LastHeartbeat int64
	Health        *types.WorkerHealth
}

// Registry tracks every service that has announced itself via REGISTER.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceState
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*ServiceState)}
}

// Register records a new service, or refreshes an existing one re-sending
// REGISTER (e.g. after a restart).
func (r *Registry) Register(reg types.ServiceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[reg.ServiceID] = &ServiceState{
		ServiceID:     reg.ServiceID,
		ServiceType:   types.ServiceType(reg.ServiceType),
		Host:          reg.Host,
		RegisteredAt:  reg.RegisteredAt,
		LastHeartbeat: time.Now().UnixNano(),
	}
}

// Heartbeat refreshes the last-seen timestamp for serviceID.
func (r *Registry) Heartbeat(serviceID string) error {
	return r.HeartbeatWithHealth(serviceID, nil)
}

// HeartbeatWithHealth refreshes the last-seen timestamp for serviceID and,
// when health is non-nil (workers only), records its latest self-reported
// resource snapshot for the worker manager's saturation signal.
func (r *Registry) HeartbeatWithHealth(serviceID string, health *types.WorkerHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceID]
	if !ok {
		return ErrServiceNotRegistered
	}
	svc.LastHeartbeat = time.Now().UnixNano()
	if health != nil {
		svc.Health = health
	}
	return nil
}

// WorkerHealthSnapshots returns the latest reported WorkerHealth for every
// currently-registered worker that has sent one.
func (r *Registry) WorkerHealthSnapshots() map[string]*types.WorkerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.WorkerHealth)
	for id, s := range r.services {
		if s.ServiceType == types.ServiceWorker && s.Health != nil {
			cp := *s.Health
			out[id] = &cp
		}
	}
	return out
}

// Remove drops a service from the registry, typically after it is
// declared dead by the heartbeat monitor.
func (r *Registry) Remove(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, serviceID)
}

// List returns a snapshot of every registered service.
func (r *Registry) List() []*ServiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceState, 0, len(r.services))
	for _, s := range r.services {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// CountByType returns how many currently-registered services have the
// given type.
func (r *Registry) CountByType(t types.ServiceType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.services {
		if s.ServiceType == t {
			n++
		}
	}
	return n
}

// StaleServices returns services whose last heartbeat is older than
// timeout, relative to now.
func (r *Registry) StaleServices(now time.Time, timeout time.Duration) []*ServiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*ServiceState
	for _, s := range r.services {
		lastSeen := time.Unix(0, s.LastHeartbeat)
		if now.Sub(lastSeen) > timeout {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	return stale
}
