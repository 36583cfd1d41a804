// Package bus implements the typed pub/sub + push/pull message transport
// services use to communicate. Two comm-backends are supported: an
// embedded miniredis instance for single-host "ipc" runs, and a real
// Redis endpoint for "tcp" runs spanning multiple hosts. Both share the
// same Bus interface and Redis wire primitives (PUBLISH/SUBSCRIBE for
// pub/sub, list + BLPOP for push/pull competing consumers).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
)

// Message is an envelope carrying a topic and an opaque JSON payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a single received Message.
type Handler func(ctx context.Context, msg Message) error

// Bus is the transport abstraction every service depends on. FIFO ordering
// is guaranteed per (publisher, topic) for pub/sub, and per source queue for
// push/pull.
type Bus interface {
	// Publish fan-out delivers payload to every current subscriber of topic.
	// A subscriber with no active listener silently drops the message; this
	// never surfaces as an error to the publisher.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and blocks until ctx is
	// cancelled or Close is called.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Push enqueues payload on a competing-consumer queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// Pull blocks until a message is available on queue, timeout elapses, or
	// ctx is done. On timeout it returns an empty Message (nil Payload) and
	// a nil error.
	Pull(ctx context.Context, queue string, timeout time.Duration) (Message, error)

	// Request publishes payload and waits for a single reply on a
	// per-request reply topic, implementing simple RPC over the bus.
	Request(ctx context.Context, topic string, payload []byte, timeout time.Duration) (Message, error)

	// Respond answers a Request by publishing to its reply topic.
	Respond(ctx context.Context, replyTopic string, payload []byte) error

	Close() error
}

// redisBus implements Bus atop a *redis.Client. It is used for both the
// embedded miniredis ("ipc") and external Redis ("tcp") comm-backends —
// the two differ only in how the *redis.Client is constructed (see
// NewIPCBus / NewTCPBus).
type redisBus struct {
	client *redis.Client
}

// NewTCPBus dials an external Redis endpoint (AIPERF_BUS_ADDR) for
// multi-host "tcp" comm-backend runs.
func NewTCPBus(addr string) (Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, &aiperferrors.TransportError{Op: "connect", Topic: addr, Err: err}
	}
	return &redisBus{client: client}, nil
}

// NewRedisBus wraps an already-constructed redis.Client, used by NewIPCBus
// to bind to an embedded miniredis server.
func NewRedisBus(client *redis.Client) Bus {
	return &redisBus{client: client}
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return &aiperferrors.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub := b.client.Subscribe(ctx, topic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, Message{Topic: m.Channel, Payload: []byte(m.Payload)}); err != nil {
				return &aiperferrors.TransportError{Op: "subscribe-handler", Topic: topic, Err: err}
			}
		}
	}
}

func (b *redisBus) Push(ctx context.Context, queue string, payload []byte) error {
	if err := b.client.RPush(ctx, queue, payload).Err(); err != nil {
		return &aiperferrors.TransportError{Op: "push", Topic: queue, Err: err}
	}
	return nil
}

func (b *redisBus) Pull(ctx context.Context, queue string, timeout time.Duration) (Message, error) {
	res, err := b.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return Message{}, nil
	}
	if err != nil {
		return Message{}, &aiperferrors.TransportError{Op: "pull", Topic: queue, Err: err}
	}
	// res is [queueName, value]
	if len(res) < 2 {
		return Message{}, nil
	}
	return Message{Topic: queue, Payload: []byte(res[1])}, nil
}

// requestEnvelope carries the dynamically-generated reply topic alongside
// the caller's payload, since the subscriber on `topic` has no other way
// to learn where to send its response.
type requestEnvelope struct {
	ReplyTopic string `json:"reply_topic"`
	Body       []byte `json:"body"`
}

// DecodeRequestEnvelope unwraps a message received on a Request-style
// topic, returning the reply topic to Respond on and the caller's
// original body.
func DecodeRequestEnvelope(payload []byte) (replyTopic string, body []byte, err error) {
	var env requestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("decode request envelope: %w", err)
	}
	return env.ReplyTopic, env.Body, nil
}

func (b *redisBus) Request(ctx context.Context, topic string, payload []byte, timeout time.Duration) (Message, error) {
	replyTopic := topic + ".reply." + randomSuffix()
	sub := b.client.Subscribe(ctx, replyTopic)
	defer sub.Close()

	envelope, err := json.Marshal(requestEnvelope{ReplyTopic: replyTopic, Body: payload})
	if err != nil {
		return Message{}, fmt.Errorf("encode request envelope: %w", err)
	}
	if err := b.Publish(ctx, topic, envelope); err != nil {
		return Message{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case m, ok := <-sub.Channel():
		if !ok {
			return Message{}, &aiperferrors.TransportError{Op: "request", Topic: topic, Err: context.Canceled}
		}
		return Message{Topic: m.Channel, Payload: []byte(m.Payload)}, nil
	case <-reqCtx.Done():
		return Message{}, &aiperferrors.TransportError{Op: "request", Topic: topic, Err: reqCtx.Err()}
	}
}

func (b *redisBus) Respond(ctx context.Context, replyTopic string, payload []byte) error {
	return b.Publish(ctx, replyTopic, payload)
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
