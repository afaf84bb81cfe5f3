// Package journal stores the ordered update history for topics. The journal
// is the sequence authority: Append assigns the next sequence number for the
// topic, and readers page through history with an `after` cursor. Backends
// are selected from a connection string.
package journal

import (
	"context"
	"encoding/json"

	"github.com/b-open-io/livefeed/feed"
)

// DefaultLimit caps range reads when the caller passes no limit.
const DefaultLimit = 100

// Journal is the per-topic ordered event store.
type Journal interface {
	// Append stores a payload under the topic's next sequence number and
	// returns the stored event.
	Append(ctx context.Context, topic string, payload json.RawMessage) (feed.Event, error)
	// After returns up to limit events with sequence greater than after,
	// in ascending sequence order. limit <= 0 uses DefaultLimit.
	After(ctx context.Context, topic string, after uint64, limit int) ([]feed.Event, error)
	// Head returns the topic's latest sequence, 0 when the topic is empty.
	Head(ctx context.Context, topic string) (uint64, error)
	// Close releases the backing resources.
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
