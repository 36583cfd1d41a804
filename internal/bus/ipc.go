package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
)

// EmbeddedServer wraps a miniredis instance used as the default "ipc"
// comm-backend so single-host runs need no external Redis deployment.
type EmbeddedServer struct {
	mr *miniredis.Miniredis
}

// StartEmbedded boots an in-process miniredis server bound to a loopback
// ephemeral port.
func StartEmbedded() (*EmbeddedServer, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, &aiperferrors.TransportError{Op: "start-embedded", Topic: "ipc", Err: err}
	}
	return &EmbeddedServer{mr: mr}, nil
}

// Addr returns the host:port the embedded server is listening on.
func (e *EmbeddedServer) Addr() string { return e.mr.Addr() }

// Close stops the embedded server.
func (e *EmbeddedServer) Close() { e.mr.Close() }

// NewIPCBus starts an embedded miniredis server and returns a Bus bound to
// it, along with the server handle so callers can Close it on shutdown.
func NewIPCBus() (Bus, *EmbeddedServer, error) {
	srv, err := StartEmbedded()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewRedisBus(client), srv, nil
}

var suffixCounter atomic.Uint64

// randomSuffix produces a per-process-unique token for reply-topic names.
// It does not need to be cryptographically random, only collision-free
// within a single controller's lifetime.
func randomSuffix() string {
	n := suffixCounter.Add(1)
	return fmt.Sprintf("%d.%d", time.Now().UnixNano(), n)
}
