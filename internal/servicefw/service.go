// Package servicefw implements the service lifecycle framework every
// aiperf service (dataset manager, timing manager, worker manager, worker,
// records manager, results aggregator, telemetry manager) embeds: a state
// machine, lifecycle hooks, and bus-based registration and heartbeating.
// It has no command dispatcher: inbound command messages are not routed by
// this package.
package servicefw

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

func marshalRegistration(reg types.ServiceRegistration) ([]byte, error) {
	return json.Marshal(reg)
}

// State is a service's lifecycle position.
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateInitialized  State = "INITIALIZED"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateCleanedUp    State = "CLEANED_UP"
	StateFailed       State = "FAILED"
)

// IsTerminal reports whether a state is one of the two terminal states.
func (s State) IsTerminal() bool {
	return s == StateCleanedUp || s == StateFailed
}

// Hooks are the lifecycle callbacks a concrete service supplies. Any hook
// left nil is treated as a no-op.
type Hooks struct {
	OnInit    func(ctx context.Context) error
	OnStart   func(ctx context.Context) error
	OnRun     func(ctx context.Context) error
	OnStop    func(ctx context.Context) error
	OnCleanup func(ctx context.Context) error
}

// Service drives a single service instance through its lifecycle states,
// registers with the controller over the bus, and sends periodic
// heartbeats.
type Service struct {
	ID          string
	Type        types.ServiceType
	Bus         bus.Bus
	Hooks       Hooks
	Heartbeat   time.Duration

	// HealthFunc, if set, is sampled on every heartbeat and attached to
	// it. Only workers set this (gopsutil-backed CPU/in-flight sampling).
	HealthFunc func() *types.WorkerHealth

	mu    sync.Mutex
	state State
	log   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Service in state CREATED.
func New(serviceType types.ServiceType, b bus.Bus, hooks Hooks) *Service {
	id := string(serviceType) + "-" + uuid.NewString()
	return &Service{
		ID:        id,
		Type:      serviceType,
		Bus:       b,
		Hooks:     hooks,
		Heartbeat: 10 * time.Second,
		state:     StateCreated,
		log:       slog.Default().With("service_id", id, "service_type", string(serviceType)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Info("state transition", "from", prev, "to", st)
}

// State returns the service's current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init runs OnInit and transitions CREATED -> INITIALIZING -> INITIALIZED.
func (s *Service) Init(ctx context.Context) error {
	s.setState(StateInitializing)
	if s.Hooks.OnInit != nil {
		if err := s.Hooks.OnInit(ctx); err != nil {
			s.setState(StateFailed)
			return &aiperferrors.InitializationError{ServiceID: s.ID, ServiceType: string(s.Type), Err: err}
		}
	}
	s.setState(StateInitialized)
	return nil
}

// Register announces this service to the controller via the REGISTER
// queue. This is a Push, not a Publish: a service typically registers
// before the controller has necessarily started listening (services are
// constructed and registered as they come up, independent of when
// Controller.Run gets around to subscribing), and a fan-out Publish with no
// listener yet would silently drop the one-shot announcement. A durable
// queue means the controller picks it up whenever it starts pulling.
func (s *Service) Register(ctx context.Context) error {
	reg := types.ServiceRegistration{
		ServiceID:    s.ID,
		ServiceType:  string(s.Type),
		RegisteredAt: time.Now().UnixNano(),
	}
	payload, err := marshalRegistration(reg)
	if err != nil {
		return err
	}
	if err := s.Bus.Push(ctx, "REGISTER", payload); err != nil {
		return err
	}
	s.log.Info("registered with controller")
	return nil
}

// Start runs OnStart, transitions to RUNNING, launches the heartbeat loop
// and (if provided) OnRun in a background goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.setState(StateStarting)
	if s.Hooks.OnStart != nil {
		if err := s.Hooks.OnStart(ctx); err != nil {
			s.setState(StateFailed)
			return err
		}
	}
	s.setState(StateRunning)

	go s.heartbeatLoop(ctx)

	if s.Hooks.OnRun != nil {
		go func() {
			defer close(s.doneCh)
			if err := s.Hooks.OnRun(ctx); err != nil {
				s.log.Error("run hook exited with error", "error", err)
			}
		}()
	} else {
		close(s.doneCh)
	}
	return nil
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb := types.HeartbeatPayload{ServiceID: s.ID}
			if s.HealthFunc != nil {
				hb.Health = s.HealthFunc()
			}
			payload, err := json.Marshal(hb)
			if err != nil {
				s.log.Warn("heartbeat marshal failed", "error", err)
				continue
			}
			if err := s.Bus.Publish(ctx, "HEARTBEAT."+s.ID, payload); err != nil {
				s.log.Warn("heartbeat publish failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until OnRun has returned (or immediately if there was none).
func (s *Service) Wait() {
	<-s.doneCh
}

// Stop runs OnStop and transitions RUNNING -> STOPPING -> STOPPED.
func (s *Service) Stop(ctx context.Context) error {
	s.setState(StateStopping)
	close(s.stopCh)
	if s.Hooks.OnStop != nil {
		if err := s.Hooks.OnStop(ctx); err != nil {
			s.log.Error("stop hook failed", "error", err)
		}
	}
	s.setState(StateStopped)
	return nil
}

// Cleanup runs OnCleanup and transitions to the terminal CLEANED_UP state.
func (s *Service) Cleanup(ctx context.Context) error {
	if s.Hooks.OnCleanup != nil {
		if err := s.Hooks.OnCleanup(ctx); err != nil {
			s.log.Error("cleanup hook failed", "error", err)
		}
	}
	s.setState(StateCleanedUp)
	return nil
}
