package journal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/b-open-io/livefeed/feed"
)

// MemoryJournal keeps history in process memory. Used for tests and
// single-node deployments that do not need durability.
type MemoryJournal struct {
	mu     sync.RWMutex
	topics map[string][]feed.Event
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{topics: make(map[string][]feed.Event)}
}

func (m *MemoryJournal) Append(ctx context.Context, topic string, payload json.RawMessage) (feed.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.topics[topic]
	ev := feed.Event{
		Topic:    topic,
		Sequence: uint64(len(events)) + 1,
		Payload:  append(json.RawMessage(nil), payload...),
	}
	m.topics[topic] = append(events, ev)
	return ev, nil
}

func (m *MemoryJournal) After(ctx context.Context, topic string, after uint64, limit int) ([]feed.Event, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.topics[topic]
	// Sequences are dense, so the cursor doubles as a slice offset.
	if after >= uint64(len(events)) {
		return nil, nil
	}
	out := events[after:]
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]feed.Event(nil), out...), nil
}

func (m *MemoryJournal) Head(ctx context.Context, topic string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.topics[topic])), nil
}

func (m *MemoryJournal) Close() error { return nil }
