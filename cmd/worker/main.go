// Package main provides the aiperf-worker CLI binary: one worker process,
// spawned by the controller's Worker Manager, that connects to the bus,
// registers, waits for PROFILE_CONFIGURE and PROFILE_START, then pulls and
// executes credits until the process is signalled or killed. It does not
// listen for PROFILE_STOP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/dataset"
	"github.com/aiperf-run/aiperf/internal/obs"
	"github.com/aiperf-run/aiperf/internal/servicefw"
	"github.com/aiperf-run/aiperf/internal/types"
	"github.com/aiperf-run/aiperf/internal/worker"
)

func main() {
	workerID := flag.String("worker-id", "", "Worker identifier assigned by the Worker Manager")
	busAddr := flag.String("bus-addr", "", "Redis address the message bus listens on")
	healthPort := flag.Int("health-port", 0, "Unused placeholder for a future local health endpoint")
	flag.Parse()
	_ = *healthPort

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *workerID, *busAddr); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, workerID, busAddr string) error {
	if busAddr == "" {
		return fmt.Errorf("--bus-addr is required")
	}
	b, err := bus.NewTCPBus(busAddr)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer b.Close()

	tracer, err := obs.NewTracer(ctx, obs.DefaultTracerConfig())
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	health := worker.NewHealthSampler()
	var runningWorker atomic.Pointer[worker.Worker]

	// Register must happen before awaiting PROFILE_CONFIGURE: the
	// controller only publishes PROFILE_CONFIGURE once every expected
	// service has registered, so building the Worker (which needs cfg)
	// ahead of registering would deadlock. OnRun does the waiting; Register
	// fires as soon as Init succeeds.
	svc := servicefw.New(types.ServiceWorker, b, servicefw.Hooks{
		OnRun: func(ctx context.Context) error {
			cfg, err := awaitConfig(ctx, b)
			if err != nil {
				return err
			}
			w := worker.New(worker.Config{
				WorkerID:     workerID,
				Endpoint:     cfg.Endpoint,
				Model:        cfg.Model,
				EndpointType: cfg.EndpointType,
				Streaming:    cfg.Streaming,
				Client:       worker.NewHTTPClient(30*time.Second, cfg.APIKey),
				Dataset:      dataset.NewClient(b),
				Tracer:       tracer,
			}, b)
			runningWorker.Store(w)

			if err := awaitStart(ctx, b); err != nil {
				return err
			}
			return w.Run(ctx)
		},
	})
	svc.HealthFunc = func() *types.WorkerHealth {
		inFlight := 0
		if w := runningWorker.Load(); w != nil {
			inFlight = w.InFlight()
		}
		return health.Sample(inFlight)
	}

	if err := svc.Init(ctx); err != nil {
		return err
	}
	if err := svc.Register(ctx); err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	svc.Wait()
	return svc.Stop(ctx)
}

// awaitConfig blocks until one PROFILE_CONFIGURE copy reaches this worker,
// returning the run's UserConfig. PROFILE_CONFIGURE is a Push per expected
// worker (internal/controller), not a fan-out Publish: this worker may not
// have started listening yet when the controller sends it, and Pull's
// durable queue means the copy meant for this worker is still there
// whenever it starts polling.
func awaitConfig(ctx context.Context, b bus.Bus) (types.UserConfig, error) {
	for {
		msg, err := b.Pull(ctx, "PROFILE_CONFIGURE", time.Second)
		if err != nil {
			return types.UserConfig{}, err
		}
		if msg.Payload == nil {
			continue
		}
		var cfg types.UserConfig
		if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
			return types.UserConfig{}, err
		}
		return cfg, nil
	}
}

// awaitStart blocks until one PROFILE_START copy reaches this worker, for
// the same Push-per-worker reason as awaitConfig.
func awaitStart(ctx context.Context, b bus.Bus) error {
	for {
		msg, err := b.Pull(ctx, "PROFILE_START", time.Second)
		if err != nil {
			return err
		}
		if msg.Payload == nil {
			continue
		}
		return nil
	}
}
