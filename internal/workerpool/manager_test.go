package workerpool

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
	"github.com/aiperf-run/aiperf/internal/types"
)

func TestResolveWorkerCountFormula(t *testing.T) {
	cases := []struct {
		name string
		cfg  types.UserConfig
		want func(cpus int) int
	}{
		{
			name: "min_workers dominates",
			cfg:  types.UserConfig{MinWorkers: 8, MaxWorkers: 32, Concurrency: 1},
			want: func(cpus int) int {
				v := 8
				if 2 > v {
					v = 2
				}
				if cpus-1 > v {
					v = cpus - 1
				}
				if v > 32 {
					v = 32
				}
				return v
			},
		},
		{
			name: "max_workers clamps",
			cfg:  types.UserConfig{MinWorkers: 1, MaxWorkers: 2, Concurrency: 100},
			want: func(cpus int) int { return 2 },
		},
		{
			name: "never below one",
			cfg:  types.UserConfig{MinWorkers: 0, MaxWorkers: 0, Concurrency: -5},
			want: func(cpus int) int {
				if cpus-1 < 1 {
					return 1
				}
				return cpus - 1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveWorkerCount(tc.cfg)
			if got < 1 {
				t.Fatalf("ResolveWorkerCount() = %d, must be >= 1", got)
			}
			if want := tc.want(runtime.NumCPU()); got != want {
				t.Fatalf("ResolveWorkerCount() = %d, want %d", got, want)
			}
		})
	}
}

func TestFindAvailablePortReturnsNonzeroPorts(t *testing.T) {
	p1, err := FindAvailablePort()
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	p2, err := FindAvailablePort()
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if p1 == 0 || p2 == 0 {
		t.Fatal("expected nonzero ports")
	}
}

func TestKubernetesRunTypeUnsupported(t *testing.T) {
	m := NewManager("/bin/true")
	_, err := m.SpawnWorkers(context.Background(), 1, types.RunTypeKubernetes, "127.0.0.1:0")
	if !errors.Is(err, aiperferrors.ErrRunTypeUnsupported) {
		t.Fatalf("got %v, want ErrRunTypeUnsupported", err)
	}
}
