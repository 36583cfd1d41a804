package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (Bus, *EmbeddedServer) {
	t.Helper()
	b, srv, err := NewIPCBus()
	if err != nil {
		t.Fatalf("NewIPCBus: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func TestPublishSubscribe(t *testing.T) {
	b, _ := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan []byte, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Subscribe(ctx, "profile.start", func(_ context.Context, msg Message) error {
			received <- msg.Payload
			cancel()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Publish(context.Background(), "profile.start", []byte("go")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "go" {
			t.Fatalf("got %q, want %q", payload, "go")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	wg.Wait()
}

func TestPushPullFIFO(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Push(ctx, "credits", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		msg, err := b.Pull(ctx, "credits", time.Second)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		want := byte('a' + i)
		if len(msg.Payload) != 1 || msg.Payload[0] != want {
			t.Fatalf("Pull %d = %v, want %q", i, msg.Payload, string(want))
		}
	}
}

func TestPullTimeout(t *testing.T) {
	b, _ := newTestBus(t)
	msg, err := b.Pull(context.Background(), "empty-queue", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Pull on empty queue returned error: %v", err)
	}
	if msg.Payload != nil {
		t.Fatalf("expected empty message on timeout, got %v", msg.Payload)
	}
}

func TestCompetingConsumers(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := b.Push(ctx, "records", []byte{byte(i)}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[byte]bool)
	var wg sync.WaitGroup
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := b.Pull(ctx, "records", 200*time.Millisecond)
				if err != nil {
					t.Errorf("Pull: %v", err)
					return
				}
				if msg.Payload == nil {
					return
				}
				mu.Lock()
				seen[msg.Payload[0]] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Fatalf("got %d distinct records, want 10 (no duplicate or lost delivery)", len(seen))
	}
}

func TestRequestRespond(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = b.Subscribe(ctx, "echo", func(ctx context.Context, msg Message) error {
			replyTopic, body, err := DecodeRequestEnvelope(msg.Payload)
			if err != nil {
				return err
			}
			return b.Respond(ctx, replyTopic, body)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	reply, err := b.Request(ctx, "echo", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Payload) != "ping" {
		t.Fatalf("reply payload = %q, want %q", reply.Payload, "ping")
	}
}
