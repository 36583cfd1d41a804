package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	b, srv, err := bus.NewIPCBus()
	if err != nil {
		t.Fatalf("NewIPCBus: %v", err)
	}
	t.Cleanup(func() { b.Close(); srv.Close() })
	return b
}

func registerService(t *testing.T, b bus.Bus, id string, st types.ServiceType) {
	t.Helper()
	reg := types.ServiceRegistration{ServiceID: id, ServiceType: string(st), RegisteredAt: time.Now().UnixNano()}
	payload, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Push(context.Background(), "REGISTER", payload); err != nil {
		t.Fatalf("push REGISTER: %v", err)
	}
}

func TestControllerRunsFullPhaseMachine(t *testing.T) {
	b := newTestBus(t)
	cfg := types.UserConfig{RequestCount: 5}
	c := New(b, cfg, 1, 1)
	c.registrationTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go c.listenRegister(ctx)

	registerService(t, b, "dataset-1", types.ServiceDataset)
	registerService(t, b, "timing-1", types.ServiceTiming)
	registerService(t, b, "workermgr-1", types.ServiceWorkerMgr)
	registerService(t, b, "records-1", types.ServiceRecordsMgr)
	registerService(t, b, "aggregator-1", types.ServiceAggregator)
	registerService(t, b, "worker-1", types.ServiceWorker)

	// Stand in for the real aggregator: wait for PROFILE_START (now one Push
	// per expected worker, not a fan-out Publish), then push FINAL_RESULTS.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msg, err := b.Pull(ctx, "PROFILE_START", time.Second)
			if err != nil {
				return
			}
			if msg.Payload == nil {
				continue
			}
			break
		}
		results := types.FinalResults{RunID: "run-1", RequestCount: 5}
		payload, _ := json.Marshal(results)
		b.Push(ctx, "FINAL_RESULTS", payload)
	}()

	results, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results.RunID != "run-1" {
		t.Fatalf("RunID = %q, want run-1", results.RunID)
	}
	if c.Phase() != PhaseDone {
		t.Fatalf("Phase = %v, want DONE", c.Phase())
	}
}

func TestControllerRegistrationTimeout(t *testing.T) {
	b := newTestBus(t)
	cfg := types.UserConfig{}
	c := New(b, cfg, 1, 1)
	c.registrationTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Run(ctx)
	if err == nil {
		t.Fatal("expected a registration timeout error")
	}
	if c.Phase() != PhaseFailed {
		t.Fatalf("Phase = %v, want FAILED", c.Phase())
	}
}
