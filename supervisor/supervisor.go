// Package supervisor owns the active transport strategy for each topic,
// drives the connection state machine, and exposes the subscription API.
// It centralizes all retry, fallback, and resynchronization policy: strategies
// report outcomes and the supervisor decides what runs next.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/b-open-io/livefeed/dispatch"
	"github.com/b-open-io/livefeed/feed"
	"github.com/b-open-io/livefeed/health"
	"github.com/b-open-io/livefeed/registry"
	"github.com/b-open-io/livefeed/transport"
)

// ErrClosed is returned by Subscribe after the supervisor has shut down.
var ErrClosed = errors.New("supervisor: closed")

// ConfigurationError rejects a subscription synchronously and is never
// retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "supervisor: configuration: " + e.Reason
}

// Options configures a Supervisor. Zero values fall back to the documented
// defaults.
type Options struct {
	// BaseURL of the update server, e.g. http://localhost:3000.
	BaseURL string
	// Capabilities the environment supports, injected rather than probed.
	Capabilities feed.Capabilities
	// DowngradeAfter is how many consecutive transport errors trigger a
	// fallback to the next cheaper tier. Default 3.
	DowngradeAfter int
	// ProbeInterval is how often a richer tier is retried while running
	// downgraded. Default 60s.
	ProbeInterval time.Duration
	// BackoffBase and BackoffCeiling bound the retry delay. Defaults
	// 500ms and 30s.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	// HealthWindow is the number of exchanges in the rolling health score.
	// Default 20.
	HealthWindow int
	// ReorderWindow and ReorderMaxAge bound the dispatcher's out-of-order
	// buffer. Defaults 100 events and 30s.
	ReorderWindow int
	ReorderMaxAge time.Duration
	// PollInterval for the fixed-interval tier. Default 5s.
	PollInterval time.Duration
	// Hold for the held-open tier. Default 30s.
	Hold time.Duration
	// HTTPClient overrides the client used by the polling tiers.
	HTTPClient *http.Client
	// StrategyFactory overrides transport construction. Used by tests to
	// run the state machine against fake transports.
	StrategyFactory func(tier transport.Tier, obs transport.Observer) (transport.Strategy, error)
}

type failure struct {
	topic string
	err   *transport.Error
}

type topicConn struct {
	strategy transport.Strategy
	cancel   context.CancelFunc
}

// Supervisor implements the caller-facing subscription interface over the
// best available transport, with automatic fallback and recovery.
type Supervisor struct {
	opts  Options
	tiers []transport.Tier // richest first

	reg *registry.Registry
	seq *dispatch.Sequencer
	mon *health.Monitor

	mu         sync.Mutex
	state      feed.ConnectionState
	listeners  []func(feed.ConnectionState)
	conns      map[string]*topicConn
	tierIdx    int
	gen        uint64 // bumped on every tier change; stale retries check it
	resyncWant map[string]uint64
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cmds   chan func()
	fails  chan failure
	oks    chan string

	newStrategy func(tier transport.Tier, obs transport.Observer) (transport.Strategy, error)
}

// New creates and starts a supervisor. Call Close to release it.
func New(opts Options) *Supervisor {
	if opts.DowngradeAfter <= 0 {
		opts.DowngradeAfter = 3
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Minute
	}

	s := &Supervisor{
		opts:       opts,
		tiers:      transport.Available(opts.Capabilities),
		reg:        registry.New(),
		mon:        health.New(opts.BackoffBase, opts.BackoffCeiling, opts.HealthWindow),
		state:      feed.Idle,
		conns:      make(map[string]*topicConn),
		resyncWant: make(map[string]uint64),
		cmds:       make(chan func(), 64),
		fails:      make(chan failure, 64),
		oks:        make(chan string, 64),
	}
	s.seq = dispatch.NewSequencer(opts.ReorderWindow, opts.ReorderMaxAge, s.reg.Dispatch, s.onGap)

	s.newStrategy = opts.StrategyFactory
	if s.newStrategy == nil {
		cfg := transport.Config{
			BaseURL:  opts.BaseURL,
			Interval: opts.PollInterval,
			Hold:     opts.Hold,
			Client:   opts.HTTPClient,
		}
		s.newStrategy = func(tier transport.Tier, obs transport.Observer) (transport.Strategy, error) {
			return transport.New(tier, cfg, opts.Capabilities, obs)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
	return s
}

// Subscribe registers onUpdate for a topic. The callback only ever receives
// ordered, de-duplicated events; failures surface exclusively through
// OnStateChange. Invalid topics are rejected synchronously.
func (s *Supervisor) Subscribe(topic string, onUpdate func(feed.Event)) (registry.Handle, error) {
	if err := validateTopic(topic); err != nil {
		return registry.Handle{}, err
	}
	if onUpdate == nil {
		return registry.Handle{}, &ConfigurationError{Reason: "nil update callback"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return registry.Handle{}, ErrClosed
	}
	s.mu.Unlock()

	h, first := s.reg.Subscribe(topic, onUpdate)
	if first {
		s.transition(feed.Connecting)
		s.enqueue(func() { s.startTopic(topic) })
	}
	return h, nil
}

// Unsubscribe removes a subscription. Once it returns, the callback will not
// be invoked again; deliveries queued for the handle are discarded. The
// topic's transport is stopped when its last subscriber leaves.
func (s *Supervisor) Unsubscribe(h registry.Handle) {
	if last := s.reg.Unsubscribe(h); last {
		topic := h.Topic()
		s.enqueue(func() { s.stopTopic(topic) })
	}
}

// State returns the current connection state.
func (s *Supervisor) State() feed.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a listener for connection state transitions.
// Listeners are invoked synchronously from supervisor goroutines and must
// not block.
func (s *Supervisor) OnStateChange(cb func(feed.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, cb)
}

// Score returns the rolling health score in [0,1].
func (s *Supervisor) Score() float64 { return s.mon.Score() }

// Tier returns the currently selected transport tier.
func (s *Supervisor) Tier() transport.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tiers[s.tierIdx]
}

// Close shuts the supervisor down. Terminal: no further transitions or
// deliveries occur afterwards.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = make(map[string]*topicConn)
	s.mu.Unlock()

	s.cancel()
	for _, conn := range conns {
		conn.cancel()
		conn.strategy.Stop()
	}
	s.wg.Wait()
	s.transition(feed.Closed)
	return nil
}

// loop is the single logical event loop: all transport lifecycle decisions
// run here. Strategies do their blocking I/O on their own workers and report
// back through the fails/oks channels.
func (s *Supervisor) loop() {
	defer s.wg.Done()

	probe := time.NewTicker(s.opts.ProbeInterval)
	defer probe.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		case f := <-s.fails:
			s.handleFailure(f)
		case <-s.oks:
			s.handleSuccess()
		case now := <-sweep.C:
			s.seq.Sweep(now)
		case <-probe.C:
			s.probeUpgrade()
		}
	}
}

func (s *Supervisor) handleSuccess() {
	s.mon.Success()
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == feed.Connecting || state == feed.Degraded {
		s.transition(feed.Active)
	}
}

func (s *Supervisor) handleFailure(f failure) {
	if s.reg.Count(f.topic) == 0 {
		return // raced with unsubscribe
	}

	delay := s.mon.Failure()
	slog.Warn("transport exchange failed",
		"topic", f.topic, "kind", f.err.Kind.String(), "retry_in", delay, "error", f.err)
	s.transition(feed.Degraded)

	if s.mon.Consecutive() >= s.opts.DowngradeAfter && s.downgrade() {
		return
	}

	// Same tier: retry the topic after backoff. A tier change in the
	// meantime makes the retry stale; it is dropped instead of tearing down
	// the transport the change just started.
	topic := f.topic
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	time.AfterFunc(delay, func() {
		s.enqueue(func() {
			s.mu.Lock()
			stale := s.gen != gen
			s.mu.Unlock()
			if stale {
				return
			}
			s.restartTopic(topic)
		})
	})
}

// downgrade moves to the next cheaper tier and restarts every topic there.
// Reports false when already on the floor.
func (s *Supervisor) downgrade() bool {
	s.mu.Lock()
	if s.tierIdx >= len(s.tiers)-1 {
		s.mu.Unlock()
		return false
	}
	s.tierIdx++
	s.gen++
	tier := s.tiers[s.tierIdx]
	s.mu.Unlock()

	slog.Info("downgrading transport", "tier", tier.String())
	s.mon.ResetConsecutive()
	s.transition(feed.Connecting)
	s.restartAll()
	return true
}

// probeUpgrade periodically retries the next richer tier while downgraded.
// If the richer tier keeps failing, the normal downgrade path brings us back.
func (s *Supervisor) probeUpgrade() {
	s.mu.Lock()
	if s.tierIdx == 0 || len(s.conns) == 0 {
		s.mu.Unlock()
		return
	}
	s.tierIdx--
	s.gen++
	tier := s.tiers[s.tierIdx]
	s.mu.Unlock()

	slog.Info("probing richer transport", "tier", tier.String())
	s.mon.ResetConsecutive()
	s.transition(feed.Connecting)
	s.restartAll()
}

func (s *Supervisor) restartAll() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.conns))
	for t := range s.conns {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	for _, t := range topics {
		s.restartTopic(t)
	}
}

func (s *Supervisor) startTopic(topic string) {
	s.mu.Lock()
	if s.closed || s.conns[topic] != nil {
		s.mu.Unlock()
		return
	}
	tier := s.tiers[s.tierIdx]
	s.mu.Unlock()

	strat, err := s.newStrategy(tier, observer{s})
	if err != nil {
		// Capability mismatch at the current tier; fall back.
		slog.Error("strategy construction failed", "tier", tier.String(), "error", err)
		if !s.downgrade() {
			return
		}
		s.startTopic(topic)
		return
	}

	after := s.seq.LastDelivered(topic)
	ctx, cancel := context.WithCancel(s.ctx)
	events, err := strat.Start(ctx, topic, after)
	if err != nil {
		cancel()
		select {
		case s.fails <- failure{topic: topic, err: &transport.Error{Kind: transport.Refused, Op: "start", Err: err}}:
		default:
		}
		return
	}

	s.mu.Lock()
	s.conns[topic] = &topicConn{strategy: strat, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(events)
}

func (s *Supervisor) restartTopic(topic string) {
	if s.reg.Count(topic) == 0 {
		return
	}
	s.teardown(topic)
	s.startTopic(topic)
}

func (s *Supervisor) stopTopic(topic string) {
	s.teardown(topic)
	s.seq.Forget(topic)
	s.mu.Lock()
	delete(s.resyncWant, topic)
	s.mu.Unlock()
}

func (s *Supervisor) teardown(topic string) {
	s.mu.Lock()
	conn := s.conns[topic]
	delete(s.conns, topic)
	s.mu.Unlock()
	if conn != nil {
		conn.cancel()
		conn.strategy.Stop()
	}
}

// pump moves strategy events into the sequencer. Ordering and fan-out happen
// there; the callback contract never blocks this path on network I/O.
func (s *Supervisor) pump(events <-chan feed.Event) {
	defer s.wg.Done()
	for ev := range events {
		s.seq.Ingest(ev)
	}
}

// onGap handles a detected sequence gap: degrade, clear the reorder buffer,
// and resynchronize from the last delivered sequence. Persistent transports
// that support replay resync in place; everything else reconnects with its
// cursor. A gap that survives a resync round means the server cannot serve
// the missing sequence, so the topic is re-baselined and delivery resumes
// from the server's current state.
func (s *Supervisor) onGap(topic string, delivered, want uint64) {
	slog.Warn("sequence gap detected", "topic", topic, "delivered", delivered, "missing", want)
	s.transition(feed.Degraded)
	s.enqueue(func() {
		s.mu.Lock()
		repeat := s.resyncWant[topic] == want
		s.resyncWant[topic] = want
		s.mu.Unlock()

		if repeat {
			slog.Warn("missing sequence not served by resync, re-baselining",
				"topic", topic, "missing", want)
			s.seq.Rebaseline(topic)
			s.restartTopic(topic)
			return
		}

		s.seq.ClearPending(topic)

		s.mu.Lock()
		conn := s.conns[topic]
		s.mu.Unlock()

		if conn != nil {
			if r, ok := conn.strategy.(transport.Replayer); ok {
				if err := r.Replay(topic, s.seq.LastDelivered(topic)); err == nil {
					return
				}
			}
		}
		s.restartTopic(topic)
	})
}

// enqueue hands a command to the event loop without ever blocking the caller.
// The loop itself enqueues (sweep-triggered gap handling), so a blocking send
// on a full buffer would deadlock it; the overflow path completes the send
// from a separate goroutine instead.
func (s *Supervisor) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.ctx.Done():
	default:
		go func() {
			select {
			case s.cmds <- fn:
			case <-s.ctx.Done():
			}
		}()
	}
}

// transition applies a state change if it is legal, notifying listeners.
// Closed is terminal; Degraded→Active is the only backward move besides the
// Degraded→Connecting retry edge.
func (s *Supervisor) transition(next feed.ConnectionState) {
	s.mu.Lock()
	if s.state == next || s.state == feed.Closed {
		s.mu.Unlock()
		return
	}
	if !validTransition(s.state, next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := make([]func(feed.ConnectionState), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, cb := range listeners {
		cb(next)
	}
}

func validTransition(from, to feed.ConnectionState) bool {
	if to == feed.Closed {
		return true
	}
	switch from {
	case feed.Idle:
		return to == feed.Connecting
	case feed.Connecting:
		return to == feed.Active || to == feed.Degraded
	case feed.Active:
		return to == feed.Degraded
	case feed.Degraded:
		return to == feed.Connecting || to == feed.Active
	default:
		return false
	}
}

// observer funnels strategy outcomes into the supervisor loop.
type observer struct {
	s *Supervisor
}

func (o observer) ExchangeOK(topic string) {
	select {
	case o.s.oks <- topic:
	case <-o.s.ctx.Done():
	}
}

func (o observer) ExchangeFailed(topic string, err *transport.Error) {
	select {
	case o.s.fails <- failure{topic: topic, err: err}:
	case <-o.s.ctx.Done():
	}
}

func validateTopic(topic string) error {
	if topic == "" {
		return &ConfigurationError{Reason: "empty topic"}
	}
	if len(topic) > 256 {
		return &ConfigurationError{Reason: fmt.Sprintf("topic exceeds 256 bytes: %d", len(topic))}
	}
	if strings.ContainsFunc(topic, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/'
	}) {
		return &ConfigurationError{Reason: "topic contains whitespace, control, or path characters"}
	}
	return nil
}
