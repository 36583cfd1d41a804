package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

// Phase is the controller's own position in the run lifecycle, distinct
// from (and coarser than) any single service's servicefw.State.
type Phase string

const (
	PhaseWaitingForRegistration Phase = "WAITING_FOR_REGISTRATION"
	PhaseConfiguring            Phase = "CONFIGURING"
	PhaseRunning                Phase = "RUNNING"
	PhaseStopping               Phase = "STOPPING"
	PhaseDone                   Phase = "DONE"
	PhaseFailed                 Phase = "FAILED"
)

const (
	DefaultRegistrationTimeout = 30 * time.Second
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultMonitorInterval     = 5 * time.Second
)

// Controller owns the registry of every spawned service, drives the
// PROFILE_CONFIGURE/PROFILE_START/PROFILE_STOP phase machine over the bus,
// and aborts the run if a required service's heartbeat is lost.
type Controller struct {
	b        bus.Bus
	cfg      types.UserConfig
	expected map[types.ServiceType]int

	registry           *Registry
	registrationTimeout time.Duration
	heartbeatTimeout    time.Duration
	monitorInterval     time.Duration

	phase Phase
	log   *slog.Logger

	fatal chan error
}

// New constructs a Controller. numWorkers and numParsers are the resolved
// worker-pool and record-processor-pool sizes, used to compute how many
// registrations to wait for.
func New(b bus.Bus, cfg types.UserConfig, numWorkers, numParsers int) *Controller {
	expected := map[types.ServiceType]int{
		types.ServiceDataset:    1,
		types.ServiceTiming:     1,
		types.ServiceWorkerMgr:  1,
		types.ServiceRecordsMgr: numParsers,
		types.ServiceAggregator: 1,
		types.ServiceWorker:     numWorkers,
	}
	if len(cfg.DCGMURLs) > 0 {
		expected[types.ServiceTelemetry] = 1
	}

	return &Controller{
		b:                   b,
		cfg:                 cfg,
		expected:            expected,
		registry:            NewRegistry(),
		registrationTimeout: DefaultRegistrationTimeout,
		heartbeatTimeout:    DefaultHeartbeatTimeout,
		monitorInterval:     DefaultMonitorInterval,
		phase:               PhaseWaitingForRegistration,
		log:                 slog.Default().With("component", "controller"),
		fatal:               make(chan error, 1),
	}
}

// Run drives the whole benchmark: wait for registrations, configure,
// start, wait for FINAL_RESULTS, stop. It returns the aggregator's final
// results, or the first fatal error encountered (registration timeout or
// lost heartbeat).
func (c *Controller) Run(ctx context.Context) (*types.FinalResults, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.listenRegister(ctx)
	go c.monitorHeartbeats(ctx)

	if err := c.waitForRegistrations(ctx); err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	c.setPhase(PhaseConfiguring)
	if err := c.publishConfig(ctx); err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	c.setPhase(PhaseRunning)
	if err := c.publishStart(ctx); err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	results, err := c.awaitResults(ctx)
	if err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	c.setPhase(PhaseStopping)
	if err := c.b.Publish(ctx, "PROFILE_STOP", nil); err != nil {
		c.log.Warn("publish PROFILE_STOP failed", "error", err)
	}

	c.setPhase(PhaseDone)
	return results, nil
}

func (c *Controller) setPhase(p Phase) {
	c.phase = p
	c.log.Info("phase transition", "phase", p)
}

// Phase returns the controller's current lifecycle phase.
func (c *Controller) Phase() Phase { return c.phase }

// listenRegister drains the REGISTER queue rather than subscribing to a
// fan-out topic: services push their one-shot registration as soon as
// they're constructed, often before this goroutine gets scheduled, and a
// Publish with no listener yet would drop it. Pull is durable — whatever
// was pushed is still there whenever this starts polling.
func (c *Controller) listenRegister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.b.Pull(ctx, "REGISTER", time.Second)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("REGISTER pull ended", "error", err)
			}
			return
		}
		if msg.Payload == nil {
			continue
		}
		var reg types.ServiceRegistration
		if err := json.Unmarshal(msg.Payload, &reg); err != nil {
			c.log.Error("malformed registration", "error", err)
			continue
		}
		c.registry.Register(reg)
		c.log.Info("service registered", "service_id", reg.ServiceID, "service_type", reg.ServiceType)
		go c.listenHeartbeat(ctx, reg.ServiceID)
	}
}

func (c *Controller) listenHeartbeat(ctx context.Context, serviceID string) {
	err := c.b.Subscribe(ctx, "HEARTBEAT."+serviceID, func(ctx context.Context, msg bus.Message) error {
		var hb types.HeartbeatPayload
		_ = json.Unmarshal(msg.Payload, &hb)
		if herr := c.registry.HeartbeatWithHealth(serviceID, hb.Health); herr != nil && herr != ErrServiceNotRegistered {
			c.log.Warn("heartbeat for unknown service", "service_id", serviceID, "error", herr)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.Warn("heartbeat subscription ended", "service_id", serviceID, "error", err)
	}
}

func (c *Controller) waitForRegistrations(ctx context.Context) error {
	deadline := time.Now().Add(c.registrationTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.registrationsSatisfied() {
			return nil
		}
		if time.Now().After(deadline) {
			return c.firstMissingRegistration()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) registrationsSatisfied() bool {
	for t, want := range c.expected {
		if c.registry.CountByType(t) < want {
			return false
		}
	}
	return true
}

func (c *Controller) firstMissingRegistration() error {
	for t, want := range c.expected {
		if got := c.registry.CountByType(t); got < want {
			return &aiperferrors.RegistrationTimeoutError{
				ServiceID:   fmt.Sprintf("%s[%d/%d]", t, got, want),
				ServiceType: string(t),
				TimeoutMs:   c.registrationTimeout.Milliseconds(),
			}
		}
	}
	return nil
}

// publishConfig delivers PROFILE_CONFIGURE as one Push per expected worker
// rather than a fan-out Publish. A worker only starts subscribing after its
// own Register call returns, which races the controller's publish the
// instant every registration lands; Push/Pull with exactly one copy per
// worker sidesteps the race the same way REGISTER's fix does, without
// turning it into a single-consumer queue that only one worker could drain.
func (c *Controller) publishConfig(ctx context.Context) error {
	payload, err := json.Marshal(c.cfg)
	if err != nil {
		return aiperferrors.NewConfigurationError("marshal", err)
	}
	for i := 0; i < c.numWorkers(); i++ {
		if err := c.b.Push(ctx, "PROFILE_CONFIGURE", payload); err != nil {
			return &aiperferrors.TransportError{Op: "push", Topic: "PROFILE_CONFIGURE", Err: err}
		}
	}
	return nil
}

// publishStart delivers PROFILE_START the same way: one durable Push per
// expected worker instead of a fan-out Publish.
func (c *Controller) publishStart(ctx context.Context) error {
	for i := 0; i < c.numWorkers(); i++ {
		if err := c.b.Push(ctx, "PROFILE_START", []byte("{}")); err != nil {
			return &aiperferrors.TransportError{Op: "push", Topic: "PROFILE_START", Err: err}
		}
	}
	return nil
}

func (c *Controller) numWorkers() int {
	if n := c.expected[types.ServiceWorker]; n > 0 {
		return n
	}
	return 1
}

// awaitResults blocks on the FINAL_RESULTS queue until the aggregator
// pushes, a fatal heartbeat/registration error arrives, or ctx is done.
func (c *Controller) awaitResults(ctx context.Context) (*types.FinalResults, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-c.fatal:
			return nil, err
		default:
		}

		msg, err := c.b.Pull(ctx, "FINAL_RESULTS", time.Second)
		if err != nil {
			return nil, &aiperferrors.TransportError{Op: "pull", Topic: "FINAL_RESULTS", Err: err}
		}
		if msg.Payload == nil {
			continue
		}
		var results types.FinalResults
		if err := json.Unmarshal(msg.Payload, &results); err != nil {
			c.log.Error("malformed final results", "error", err)
			continue
		}
		return &results, nil
	}
}

// monitorHeartbeats periodically checks every registered service's last
// heartbeat and declares the run fatally broken if one has gone silent
// longer than heartbeatTimeout. Order mirrors dead-worker handling: remove
// from the registry, surface the fatal error, then log.
func (c *Controller) monitorHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(c.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, svc := range c.registry.StaleServices(now, c.heartbeatTimeout) {
				c.registry.Remove(svc.ServiceID)
				err := &aiperferrors.HeartbeatLostError{
					ServiceID:   svc.ServiceID,
					ServiceType: string(svc.ServiceType),
					LastSeenMs:  now.Sub(time.Unix(0, svc.LastHeartbeat)).Milliseconds(),
					TimeoutMs:   c.heartbeatTimeout.Milliseconds(),
				}
				select {
				case c.fatal <- err:
				default:
				}
				c.log.Error("service heartbeat lost, aborting run", "error", err)
			}
		}
	}
}
