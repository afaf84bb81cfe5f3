// Package bus fans freshly published events out to live listeners. The bus
// carries only the live edge; history and catchup are the journal's job.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/b-open-io/livefeed/feed"
)

// Bus delivers published events to subscribers in real time.
type Bus interface {
	// Publish sends an event to every current subscriber of its topic.
	Publish(ctx context.Context, ev feed.Event) error
	// Subscribe returns a channel of events for the given topics. The
	// subscription ends when ctx is cancelled.
	Subscribe(ctx context.Context, topics []string) (<-chan feed.Event, error)
	// Close shuts the bus down and releases its resources.
	Close() error
}

// CreateBus creates the appropriate Bus implementation from a connection
// string. Auto-detects the bus type from the URL scheme.
//
// Supported formats:
//   - redis://localhost:6379 - Redis pub/sub (multi-node fan-out)
//   - channels:// - in-process Go channels (single node)
//   - Empty string: defaults to channels://
func CreateBus(connString string) (Bus, error) {
	if connString == "" {
		connString = "channels://"
	}

	switch {
	case strings.HasPrefix(connString, "redis://"):
		b, err := NewRedisBus(connString)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis bus: %w", err)
		}
		return b, nil
	case strings.HasPrefix(connString, "channels://"):
		return NewChannelBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus URL scheme: %s", connString)
	}
}
