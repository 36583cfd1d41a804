// Package dataset implements the Dataset Manager: it constructs
// conversations in synthetic, custom-file, fixed-schedule, or Mooncake
// trace mode, and serves GET_CONVERSATION lookups to workers.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/aiperf-run/aiperf/internal/types"
)

var ErrNoConversations = errors.New("dataset: no conversations available")

// Manager owns the in-memory conversation pool for one run and answers
// GET_CONVERSATION requests. Custom/fixed-schedule/mooncake pools are
// served sequentially-cyclic; synthetic pools are served randomly, per
// SPEC_FULL.md §4.4.
type Manager struct {
	mu           sync.Mutex
	conversations []types.Conversation
	bySessionID  map[string]int // session_id -> index, for honoring explicit lookups
	cursor       int
	mode_        types.DatasetMode
	rng          *rand.Rand
}

// SyntheticConfig controls synthetic conversation/payload generation.
type SyntheticConfig struct {
	Seed           int64
	ConversationCount int
	TurnsPerConversation int
	PromptPoolSize int
	InputTokensMean int
	OutputTokensMean int
}

// NewSynthetic builds a Manager whose pool is deterministically generated
// from Seed: identical Seed + config always yields byte-identical payloads,
// satisfying the determinism invariant in spec.md §8.
func NewSynthetic(cfg SyntheticConfig) *Manager {
	rng := rand.New(rand.NewSource(cfg.Seed))
	pool := make([]string, cfg.PromptPoolSize)
	for i := range pool {
		pool[i] = fmt.Sprintf("synthetic-prompt-%d-%d", cfg.Seed, i)
	}

	convs := make([]types.Conversation, cfg.ConversationCount)
	for i := range convs {
		sessionID := uuid.NewString()
		turns := make([]types.Turn, cfg.TurnsPerConversation)
		for t := range turns {
			prompt := pool[rng.Intn(len(pool))]
			turns[t] = types.Turn{
				TurnIndex: t,
				Texts:     []types.NamedText{{Name: "text", Text: prompt}},
				MaxTokens: cfg.OutputTokensMean,
			}
		}
		convs[i] = types.Conversation{SessionID: sessionID, Turns: turns}
	}

	return &Manager{
		conversations: convs,
		bySessionID:   indexBySessionID(convs),
		mode_:         types.DatasetSynthetic,
		rng:           rng,
	}
}

// NewFromConversations builds a Manager directly from a pre-loaded set of
// conversations (custom file, fixed schedule, or Mooncake trace mode — the
// format-specific parsing lives in the file loaders; this constructor is
// the shared entry point all three funnel into).
func NewFromConversations(mode types.DatasetMode, convs []types.Conversation) *Manager {
	return &Manager{
		conversations: convs,
		bySessionID:   indexBySessionID(convs),
		mode_:         mode,
	}
}

func indexBySessionID(convs []types.Conversation) map[string]int {
	idx := make(map[string]int, len(convs))
	for i, c := range convs {
		idx[c.SessionID] = i
	}
	return idx
}

// GetConversation resolves a GET_CONVERSATION request. If sessionID is
// non-empty and present in the pool it is honored directly (resolution of
// Open Question 3, SPEC_FULL.md §12.3); otherwise the manager falls back to
// its mode's iteration order: random for synthetic, sequential-cyclic for
// everything else.
func (m *Manager) GetConversation(sessionID string) (types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conversations) == 0 {
		return types.Conversation{}, ErrNoConversations
	}

	if sessionID != "" {
		if idx, ok := m.bySessionID[sessionID]; ok {
			return m.conversations[idx], nil
		}
	}

	if m.mode_ == types.DatasetSynthetic && m.rng != nil {
		idx := m.rng.Intn(len(m.conversations))
		return m.conversations[idx], nil
	}

	conv := m.conversations[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.conversations)
	return conv, nil
}

// Count returns the number of conversations in the pool.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}
