package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

// Client resolves GET_CONVERSATION over the bus, the counterpart workers
// use when the Dataset Manager runs in a different process (the common
// case once workers are spawned as their own subprocesses). It satisfies
// the same ConversationSource interface as a local Manager.
type Client struct {
	b       bus.Bus
	timeout time.Duration
}

// NewClient constructs a Client with the default 10s RPC timeout.
func NewClient(b bus.Bus) *Client {
	return &Client{b: b, timeout: 10 * time.Second}
}

// GetConversation issues a GET_CONVERSATION request and waits for the
// Dataset Manager's reply.
func (c *Client) GetConversation(sessionID string) (types.Conversation, error) {
	msg, err := c.b.Request(context.Background(), "GET_CONVERSATION", []byte(sessionID), c.timeout)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	var conv types.Conversation
	if err := json.Unmarshal(msg.Payload, &conv); err != nil {
		return types.Conversation{}, fmt.Errorf("parse conversation response: %w", err)
	}
	return conv, nil
}
