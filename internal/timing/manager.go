// Package timing implements the Timing Manager: it drops credits in
// concurrency, request-rate (Poisson or Constant), or fixed-schedule mode,
// and enforces the benchmark's completion criteria and cancellation
// semantics.
package timing

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

// Config controls how the Manager paces credit drops.
type Config struct {
	Mode               types.TimingMode
	Concurrency        int
	RequestRate        float64
	RateDistribution   types.RequestRateDistribution
	RequestCount       int
	WarmupRequestCount int
	Schedule           []ScheduleEntry // fixed-schedule inter-arrival delays plus per-entry fields

	// BenchmarkDuration, if positive, stops credit issuance once elapsed,
	// regardless of how many measured credits have been dropped so far.
	BenchmarkDuration time.Duration

	// RequestCancellationRate marks each dropped credit ShouldCancel with
	// this probability; RequestCancellationDelayMs is how long (from send)
	// the worker waits before aborting that request.
	RequestCancellationRate    float64
	RequestCancellationDelayMs int64
}

// ResolveMode derives a TimingMode from presence of explicit inputs when no
// mode was given directly, with precedence fixed_schedule > request_rate >
// concurrency, matching the original TimingManagerConfig.from_user_config
// semantics (SPEC_FULL.md §11).
func ResolveMode(cfg types.UserConfig) types.TimingMode {
	if cfg.FixedScheduleFile != "" {
		return types.TimingFixedSchedule
	}
	if cfg.RequestRate > 0 {
		return types.TimingRequestRate
	}
	return types.TimingConcurrency
}

// Manager drops credits onto the CREDIT_DROP bus topic and waits for
// CREDIT_RETURN to know when to drop the next one in concurrency mode.
type Manager struct {
	cfg Config
	b   bus.Bus

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int

	totalDropped   atomic.Int64
	measuredCount  atomic.Int64 // warmup + main credits only, per Open Question 1
	rng            *rand.Rand
	explicitCancel atomic.Bool
}

// New constructs a Manager. Concurrency mode uses cond-variable
// backpressure (adapted from internal/vu/rate_limiter.go's InFlightLimiter);
// request-rate mode uses a Poisson or Constant inter-arrival clock (adapted
// from the same file's token-bucket refill logic).
func New(cfg Config, b bus.Bus) *Manager {
	m := &Manager{cfg: cfg, b: b, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Run drives credit issuance until the completion criterion is met, an
// explicit CANCEL command arrives, benchmark_duration elapses, or the
// parent ctx is cancelled. It never double-counts ramp credits toward
// request_count. Regardless of how it stops, Run publishes
// CREDITS_COMPLETE exactly once before returning.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.cfg.BenchmarkDuration > 0 {
		timer := time.AfterFunc(m.cfg.BenchmarkDuration, cancel)
		defer timer.Stop()
	}
	go m.listenCancel(runCtx, cancel)

	var err error
	switch m.cfg.Mode {
	case types.TimingConcurrency:
		err = m.runConcurrency(runCtx)
	case types.TimingRequestRate:
		err = m.runRequestRate(runCtx)
	case types.TimingFixedSchedule:
		err = m.runFixedSchedule(runCtx)
	default:
		err = m.runConcurrency(runCtx)
	}

	m.publishComplete(m.explicitCancel.Load())

	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		// runCtx was cancelled locally (duration elapsed or explicit
		// CANCEL), not by the caller — normal completion, not an error.
		return nil
	}
	return err
}

// listenCancel subscribes to the CANCEL command topic and aborts credit
// issuance the moment one arrives, marking the stop as an explicit
// cancellation rather than a completion-criterion match.
func (m *Manager) listenCancel(ctx context.Context, cancel context.CancelFunc) {
	err := m.b.Subscribe(ctx, "CANCEL", func(ctx context.Context, msg bus.Message) error {
		m.explicitCancel.Store(true)
		cancel()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		// Subscription failures here just mean CANCEL can no longer be
		// observed; the run still stops via its own completion criteria.
		_ = err
	}
}

// publishComplete announces that credit issuance has stopped, via a Push
// rather than a fan-out Publish: whatever finalizer is waiting to drain the
// pipeline may not have started pulling yet, and this is a one-shot
// message that must not be dropped. Uses a detached context since runCtx
// may already be cancelled by the time this runs.
func (m *Manager) publishComplete(cancelled bool) {
	payload, err := json.Marshal(types.CreditsCompletePayload{Cancelled: cancelled})
	if err != nil {
		return
	}
	_ = m.b.Push(context.Background(), "CREDITS_COMPLETE", payload)
}

// runConcurrency pre-drops `concurrency` ramp credits at t0, then drops one
// replacement credit immediately each time a credit is returned, until the
// measured completion criterion (warmup+main request_count) is satisfied.
func (m *Manager) runConcurrency(ctx context.Context) error {
	target := int64(m.cfg.WarmupRequestCount + m.cfg.RequestCount)

	for i := 0; i < m.cfg.Concurrency; i++ {
		if err := m.drop(ctx, types.CreditKindRamp); err != nil {
			return err
		}
		m.mu.Lock()
		m.inFlight++
		m.mu.Unlock()
	}

	for {
		if target > 0 && m.measuredCount.Load() >= target {
			return nil
		}

		// Block until a previously-dropped credit returns, mirroring the
		// InFlightLimiter's cond-wait backpressure: never exceed
		// `concurrency` credits outstanding at once.
		m.mu.Lock()
		for m.inFlight >= m.cfg.Concurrency {
			waitDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					m.cond.Broadcast()
				case <-waitDone:
				}
			}()
			m.cond.Wait()
			close(waitDone)
			if ctx.Err() != nil {
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.inFlight++
		m.mu.Unlock()

		kind := types.CreditKindMeasured
		if int64(m.cfg.WarmupRequestCount) > 0 && m.measuredCount.Load() < int64(m.cfg.WarmupRequestCount) {
			kind = types.CreditKindWarmup
		}
		if err := m.drop(ctx, kind); err != nil {
			return err
		}
		m.measuredCount.Add(1)
	}
}

// runRequestRate paces drops by a Poisson or Constant inter-arrival clock,
// the request-rate analogue of the rate limiter's token-bucket refill.
func (m *Manager) runRequestRate(ctx context.Context) error {
	target := int64(m.cfg.WarmupRequestCount + m.cfg.RequestCount)
	if m.cfg.RequestRate <= 0 {
		return nil
	}

	for {
		if target > 0 && m.measuredCount.Load() >= target {
			return nil
		}

		kind := types.CreditKindMeasured
		if int64(m.cfg.WarmupRequestCount) > 0 && m.measuredCount.Load() < int64(m.cfg.WarmupRequestCount) {
			kind = types.CreditKindWarmup
		}
		if err := m.drop(ctx, kind); err != nil {
			return err
		}
		m.measuredCount.Add(1)

		wait := m.nextInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) nextInterval() time.Duration {
	meanSeconds := 1.0 / m.cfg.RequestRate
	switch m.cfg.RateDistribution {
	case types.DistributionConstant:
		return time.Duration(meanSeconds * float64(time.Second))
	default: // Poisson
		u := m.rng.Float64()
		if u <= 0 {
			u = 1e-9
		}
		seconds := -math.Log(u) * meanSeconds
		return time.Duration(seconds * float64(time.Second))
	}
}

// runFixedSchedule replays a trace-supplied inter-arrival delay sequence,
// carrying each entry's session_id and cancellation fields through to the
// credit it drops (spec.md §6), so the dataset manager's honor-session-id
// resolution actually has a session_id to honor in this mode.
func (m *Manager) runFixedSchedule(ctx context.Context) error {
	for _, entry := range m.cfg.Schedule {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(entry.Delay):
		}
		if err := m.dropScheduled(ctx, entry); err != nil {
			return err
		}
		m.measuredCount.Add(1)
	}
	return nil
}

func (m *Manager) drop(ctx context.Context, kind types.CreditKind) error {
	credit := types.Credit{
		CreditID:  uuid.NewString(),
		Kind:      kind,
		DroppedAt: time.Now().UnixNano(),
	}
	if m.cfg.RequestCancellationRate > 0 && m.rng.Float64() < m.cfg.RequestCancellationRate {
		credit.ShouldCancel = true
		credit.CancelAfterNs = m.cfg.RequestCancellationDelayMs * int64(time.Millisecond)
	}
	return m.pushCredit(ctx, credit)
}

// dropScheduled drops a credit for one fixed-schedule trace entry, carrying
// its session_id and explicit should_cancel/cancel_after_ns fields rather
// than the random-rate cancellation drop() applies to the other modes.
func (m *Manager) dropScheduled(ctx context.Context, entry ScheduleEntry) error {
	credit := types.Credit{
		CreditID:      uuid.NewString(),
		Kind:          types.CreditKindMeasured,
		SessionID:     entry.SessionID,
		DroppedAt:     time.Now().UnixNano(),
		ShouldCancel:  entry.ShouldCancel,
		CancelAfterNs: entry.CancelAfterNs,
	}
	return m.pushCredit(ctx, credit)
}

func (m *Manager) pushCredit(ctx context.Context, credit types.Credit) error {
	m.totalDropped.Add(1)
	payload, err := marshalCredit(credit)
	if err != nil {
		return err
	}
	return m.b.Push(ctx, "CREDIT_DROP", payload)
}

// OnCreditReturned is called (e.g. by a CREDIT_RETURN subscriber) whenever
// a worker finishes a credit, releasing one in-flight concurrency slot and
// allowing the next concurrency-mode drop to proceed immediately.
func (m *Manager) OnCreditReturned() {
	m.cond.L.Lock()
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.cond.Signal()
	m.cond.L.Unlock()
}

// TotalDropped returns the total number of credits dropped, including ramp
// credits (not used for completion-criterion accounting).
func (m *Manager) TotalDropped() int64 { return m.totalDropped.Load() }

// MeasuredCount returns the number of warmup+main credits dropped, which is
// what the completion criterion compares against request_count.
func (m *Manager) MeasuredCount() int64 { return m.measuredCount.Load() }
