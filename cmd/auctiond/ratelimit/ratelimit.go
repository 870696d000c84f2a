package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
	"go.opentelemetry.io/otel/metric"
)

var (
	// DefaultWindow is the default width of a rate-limit window.
	DefaultWindow = time.Second * 10

	// DefaultMax is the default number of messages allowed per window.
	DefaultMax = 100
)

type window struct {
	start time.Time
	count int
}

// Limiter counts messages per connection in fixed windows.
type Limiter struct {
	width time.Duration
	max   int
	now   func() time.Time

	windows map[auction.ConnID]*window
	lk      sync.Mutex

	metricHits metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a Limiter allowing max messages per width for each connection.
// Non-positive values select the defaults.
func New(width time.Duration, max int, opts ...Option) *Limiter {
	if width <= 0 {
		width = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	l := &Limiter{
		width:   width,
		max:     max,
		now:     time.Now,
		windows: make(map[auction.ConnID]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metricHits = metrics.Meter.NewInt64Counter(metrics.Prefix + ".rate_limit_hits_total")
	return l
}

// Allow records a message from id and returns false if it exceeds the budget
// of the current window.
func (l *Limiter) Allow(id auction.ConnID) bool {
	now := l.now()

	l.lk.Lock()
	w, ok := l.windows[id]
	if !ok {
		w = &window{start: now}
		l.windows[id] = w
	}
	if now.Sub(w.start) >= l.width {
		w.start = now
		w.count = 0
	}
	w.count++
	allowed := w.count <= l.max
	l.lk.Unlock()

	if !allowed {
		l.metricHits.Add(context.Background(), 1)
	}
	return allowed
}

// Remove drops the window of id.
func (l *Limiter) Remove(id auction.ConnID) {
	l.lk.Lock()
	defer l.lk.Unlock()
	delete(l.windows, id)
}

// Len returns the number of tracked connections.
func (l *Limiter) Len() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.windows)
}
