// Package registry manages the set of live subscriptions and fans events out
// to their callbacks. Multiple subscriptions to one topic share a single
// underlying transport; the registry reference-counts topics so the
// supervisor knows when to start and stop transports.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b-open-io/livefeed/feed"
)

// Handle identifies one subscription.
type Handle struct {
	id    string
	topic string
}

// Topic returns the topic the handle is subscribed to.
func (h Handle) Topic() string { return h.topic }

// ID returns the unique subscription id.
func (h Handle) ID() string { return h.id }

type subscription struct {
	id      string
	topic   string
	cb      func(feed.Event)
	created time.Time
}

// Registry tracks subscriptions and delivers events.
//
// Delivery and deregistration share one mutex: once Unsubscribe returns, the
// callback is guaranteed not to be invoked again, and deliveries already
// queued for the handle are discarded. Callbacks therefore must not block
// and must not call back into the registry.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	topics map[string]map[string]*subscription
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		subs:   make(map[string]*subscription),
		topics: make(map[string]map[string]*subscription),
	}
}

// Subscribe registers a callback for a topic. first reports whether this is
// the topic's first subscriber, meaning a transport needs to be started.
func (r *Registry) Subscribe(topic string, cb func(feed.Event)) (h Handle, first bool) {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		cb:      cb,
		created: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.id] = sub
	byID := r.topics[topic]
	if byID == nil {
		byID = make(map[string]*subscription)
		r.topics[topic] = byID
		first = true
	}
	byID[sub.id] = sub

	return Handle{id: sub.id, topic: topic}, first
}

// Unsubscribe removes a subscription. last reports whether the topic has no
// subscribers left, meaning its transport can be stopped. Unknown handles
// are a no-op.
func (r *Registry) Unsubscribe(h Handle) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h.id]
	if !ok {
		return false
	}
	delete(r.subs, h.id)

	byID := r.topics[sub.topic]
	delete(byID, h.id)
	if len(byID) == 0 {
		delete(r.topics, sub.topic)
		return true
	}
	return false
}

// Dispatch delivers an ordered event to every subscriber of its topic.
func (r *Registry) Dispatch(ev feed.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.topics[ev.Topic] {
		sub.cb(ev)
	}
}

// Count returns the number of subscribers on a topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns the topics that currently have subscribers.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}
