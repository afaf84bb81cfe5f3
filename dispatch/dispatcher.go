// Package dispatch orders raw transport events before delivery: per-topic
// sequencing, duplicate drop, and a bounded reorder window with gap
// detection. Subscribers only ever see gap-free, strictly increasing
// sequences.
package dispatch

import (
	"sync"
	"time"

	"github.com/b-open-io/livefeed/feed"
)

const (
	// DefaultWindow is the maximum number of out-of-order events buffered
	// per topic before a gap is declared.
	DefaultWindow = 100
	// DefaultMaxAge is how long a buffered out-of-order event may wait for
	// its predecessors before a gap is declared.
	DefaultMaxAge = 30 * time.Second
)

// GapFunc is invoked when a topic's sequence cannot be repaired within the
// window. delivered is the last sequence handed to subscribers; want is the
// missing one.
type GapFunc func(topic string, delivered, want uint64)

// Sequencer validates and orders events for delivery. Duplicate sequences
// are dropped silently; out-of-order arrivals are buffered until the missing
// predecessors arrive or the window is exceeded.
type Sequencer struct {
	mu     sync.Mutex
	topics map[string]*topicState
	window int
	maxAge time.Duration
	out    func(feed.Event)
	onGap  GapFunc
}

type topicState struct {
	next    uint64 // next expected sequence; 0 = adopt the first arrival
	pending map[uint64]feed.Event
	gapped  bool // gap already reported, awaiting resync
}

// oldestPending returns the earliest arrival among the buffered events, so
// aging always measures the events still waiting, not ones already delivered.
func (ts *topicState) oldestPending() time.Time {
	var oldest time.Time
	for _, ev := range ts.pending {
		if oldest.IsZero() || ev.ArrivedAt.Before(oldest) {
			oldest = ev.ArrivedAt
		}
	}
	return oldest
}

// NewSequencer creates a sequencer delivering ordered events to out. onGap
// may be nil. window and maxAge fall back to the defaults when zero.
func NewSequencer(window int, maxAge time.Duration, out func(feed.Event), onGap GapFunc) *Sequencer {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sequencer{
		topics: make(map[string]*topicState),
		window: window,
		maxAge: maxAge,
		out:    out,
		onGap:  onGap,
	}
}

// Ingest accepts one raw event from the active strategy. Idempotent: the
// same sequence ingested twice yields exactly one delivery.
func (s *Sequencer) Ingest(ev feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.topics[ev.Topic]
	if ts == nil {
		ts = &topicState{pending: make(map[uint64]feed.Event)}
		s.topics[ev.Topic] = ts
	}

	// First event on a topic sets the baseline: a subscription only owes
	// its callers events produced since it was created.
	if ts.next == 0 {
		ts.next = ev.Sequence
	}

	if ev.Sequence < ts.next {
		return // duplicate or already delivered
	}

	if ev.Sequence == ts.next {
		s.deliver(ts, ev)
		s.drain(ts)
		return
	}

	// Out of order: buffer and wait for the missing predecessors.
	if _, dup := ts.pending[ev.Sequence]; dup {
		return
	}
	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = time.Now()
	}
	ts.pending[ev.Sequence] = ev

	if len(ts.pending) > s.window || time.Since(ts.oldestPending()) > s.maxAge {
		s.gap(ev.Topic, ts)
	}
}

// Sweep declares gaps on topics whose buffered events have waited past the
// age limit. Call periodically; Ingest alone only notices age on arrival.
func (s *Sequencer) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, ts := range s.topics {
		if len(ts.pending) > 0 && !ts.gapped && now.Sub(ts.oldestPending()) > s.maxAge {
			s.gap(topic, ts)
		}
	}
}

func (s *Sequencer) deliver(ts *topicState, ev feed.Event) {
	ts.next = ev.Sequence + 1
	ts.gapped = false
	if s.out != nil {
		s.out(ev)
	}
}

func (s *Sequencer) drain(ts *topicState) {
	for {
		ev, ok := ts.pending[ts.next]
		if !ok {
			return
		}
		delete(ts.pending, ts.next)
		s.deliver(ts, ev)
	}
}

func (s *Sequencer) gap(topic string, ts *topicState) {
	if ts.gapped {
		return
	}
	ts.gapped = true
	if s.onGap != nil {
		s.onGap(topic, ts.next-1, ts.next)
	}
}

// ClearPending discards buffered out-of-order events for a topic, keeping
// the delivery cursor. Called when a resynchronization starts: the replay
// will refill the sequence from the last delivered event.
func (s *Sequencer) ClearPending(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.topics[topic]; ts != nil {
		ts.pending = make(map[uint64]feed.Event)
		ts.gapped = false
	}
}

// Rebaseline drops the topic's cursor and buffer so the next arrival is
// adopted as a fresh baseline. Used when resynchronization cannot repair the
// sequence, e.g. a permanent hole in the server history: delivery resumes
// from the server's current state instead of waiting on the missing event.
func (s *Sequencer) Rebaseline(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.topics[topic]; ts != nil {
		ts.next = 0
		ts.pending = make(map[uint64]feed.Event)
		ts.gapped = false
	}
}

// LastDelivered returns the last sequence delivered for the topic, or 0 if
// nothing was delivered yet.
func (s *Sequencer) LastDelivered(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.topics[topic]
	if ts == nil || ts.next == 0 {
		return 0
	}
	return ts.next - 1
}

// Forget drops all state for a topic. Called when the last subscriber goes
// away.
func (s *Sequencer) Forget(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}
