// Package health tracks exchange outcomes and computes retry delays. The
// supervisor consults it for backoff scheduling and for upgrade/downgrade
// decisions.
package health

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	// DefaultBase is the initial backoff delay.
	DefaultBase = 500 * time.Millisecond
	// DefaultCeiling caps the backoff delay.
	DefaultCeiling = 30 * time.Second
	// DefaultWindow is the number of recent exchanges scored.
	DefaultWindow = 20
)

// Monitor records exchange outcomes. Failure returns the next retry delay,
// exponential with jitter and capped at the ceiling; any success resets the
// backoff to its base. A rolling window of the last N exchanges yields a
// health score in [0,1].
type Monitor struct {
	mu          sync.Mutex
	b           *backoff.Backoff
	consecutive int
	window      []bool
	windowSize  int
}

// New creates a monitor. Zero arguments fall back to the defaults.
func New(base, ceiling time.Duration, window int) *Monitor {
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		b: &backoff.Backoff{
			Min:    base,
			Max:    ceiling,
			Factor: 2,
			Jitter: true,
		},
		windowSize: window,
	}
}

// Success records a successful exchange and resets the backoff.
func (m *Monitor) Success() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.b.Reset()
	m.consecutive = 0
	m.record(true)
}

// Failure records a failed exchange and returns the delay to wait before the
// next attempt.
func (m *Monitor) Failure() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive++
	m.record(false)
	return m.b.Duration()
}

// Consecutive returns the current run of uninterrupted failures.
func (m *Monitor) Consecutive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// ResetConsecutive clears the failure run without touching the window or the
// backoff. Called after a tier change so the new tier gets a full allowance.
func (m *Monitor) ResetConsecutive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive = 0
	m.b.Reset()
}

// Score returns the fraction of successful exchanges in the rolling window,
// or 1 when nothing has been recorded yet.
func (m *Monitor) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) == 0 {
		return 1
	}
	ok := 0
	for _, s := range m.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(m.window))
}

func (m *Monitor) record(ok bool) {
	m.window = append(m.window, ok)
	if len(m.window) > m.windowSize {
		m.window = m.window[len(m.window)-m.windowSize:]
	}
}
