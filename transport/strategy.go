// Package transport implements the interchangeable update-delivery mechanisms:
// fixed-interval polling, held-open (long) polling, and persistent streaming
// over SSE or WebSocket. All variants deliver events through a channel and
// report outcomes to an Observer instead of retrying internally.
package transport

import (
	"context"

	"github.com/b-open-io/livefeed/feed"
)

// Tier orders the strategies from cheapest to richest transport.
type Tier int

const (
	TierFixedInterval Tier = iota
	TierHeldOpen
	TierPersistent
)

func (t Tier) String() string {
	switch t {
	case TierFixedInterval:
		return "fixed_interval"
	case TierHeldOpen:
		return "held_open"
	case TierPersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Observer receives transport outcomes. The supervisor implements this;
// strategies report and stop, they never schedule their own retries.
type Observer interface {
	// ExchangeOK is called after every successful exchange, including
	// exchanges that carried no events.
	ExchangeOK(topic string)
	// ExchangeFailed is called at most once per Start; the strategy's run
	// has ended and the events channel will be closed.
	ExchangeFailed(topic string, err *Error)
}

// Strategy is one concrete mechanism for obtaining updates on a single topic.
// A strategy run ends at the first transport error; restarting (and on which
// tier) is the supervisor's decision.
type Strategy interface {
	// Tier reports which fallback tier this strategy occupies.
	Tier() Tier
	// Requires reports the capabilities this strategy depends on.
	Requires() feed.Capabilities
	// Start begins delivery of events with sequence greater than after.
	// after == 0 requests live events only, with no history replay.
	// The returned channel is closed when the run ends.
	Start(ctx context.Context, topic string, after uint64) (<-chan feed.Event, error)
	// Stop tears down the strategy's network resources and waits for its
	// workers to exit. Safe to call more than once.
	Stop() error
}

// Replayer is implemented by strategies that can ask the server to replay
// missed events on the live connection instead of reconnecting.
type Replayer interface {
	Replay(topic string, after uint64) error
}
