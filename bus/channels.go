package bus

import (
	"context"
	"sync"

	"github.com/b-open-io/livefeed/feed"
)

// ChannelBus implements Bus using Go channels. Single-process fan-out with
// no external dependencies; slow subscribers are skipped rather than
// blocking publishers.
type ChannelBus struct {
	subscribers map[string][]chan feed.Event // topic -> subscriber channels
	mu          sync.RWMutex
	closed      bool
}

// NewChannelBus creates a new in-process bus.
func NewChannelBus() *ChannelBus {
	return &ChannelBus{subscribers: make(map[string][]chan feed.Event)}
}

func (cb *ChannelBus) Publish(ctx context.Context, ev feed.Event) error {
	// The read lock is held across the sends: unsubscribe removes a channel
	// under the write lock before closing it, so a channel seen here cannot
	// be closed mid-send. Sends never block, so the lock is held briefly.
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	for _, ch := range cb.subscribers[ev.Topic] {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Full channel: the subscriber is too slow, drop for it. It
			// recovers through journal catchup.
		}
	}
	return nil
}

func (cb *ChannelBus) Subscribe(ctx context.Context, topics []string) (<-chan feed.Event, error) {
	eventChan := make(chan feed.Event, 100)

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		close(eventChan)
		return eventChan, nil
	}
	for _, topic := range topics {
		cb.subscribers[topic] = append(cb.subscribers[topic], eventChan)
	}
	cb.mu.Unlock()

	go func() {
		<-ctx.Done()
		cb.unsubscribeChannel(eventChan, topics)
		close(eventChan)
	}()

	return eventChan, nil
}

func (cb *ChannelBus) unsubscribeChannel(eventChan chan feed.Event, topics []string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for _, topic := range topics {
		subscribers := cb.subscribers[topic]
		for i, ch := range subscribers {
			if ch == eventChan {
				cb.subscribers[topic] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(cb.subscribers[topic]) == 0 {
			delete(cb.subscribers, topic)
		}
	}
}

func (cb *ChannelBus) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.subscribers = make(map[string][]chan feed.Event)
	return nil
}
