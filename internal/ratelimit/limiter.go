// Package ratelimit admits REST snapshot requests against per-exchange weight
// budgets using a sliding one-window counter.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

const (
	// StartupJitterMax spreads initial snapshot requests to avoid a
	// thundering herd at process start.
	StartupJitterMax = 9 * time.Second

	penaltyCapBan      = 8.0
	penaltyCapThrottle = 4.0
)

// Budget is one exchange's weight ceiling per window.
type Budget struct {
	Weight int
	Window time.Duration
}

type grant struct {
	at     time.Time
	weight int
}

type window struct {
	budget  Budget
	grants  []grant
	used    int
	penalty float64
}

// Limiter is shared across all workers in the process. Exchanges without a
// configured budget are admitted immediately.
type Limiter struct {
	mu      sync.Mutex
	windows map[schema.Exchange]*window

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option overrides limiter internals, primarily for tests.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleeping primitive.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New constructs a limiter with the given per-exchange budgets.
func New(budgets map[schema.Exchange]Budget, opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[schema.Exchange]*window, len(budgets)),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for exchange, budget := range budgets {
		l.windows[exchange] = &window{budget: budget, penalty: 1}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until weight fits in the exchange's window or ctx is done.
// Denial is never permanent: the caller always gets a grant eventually.
func (l *Limiter) Acquire(ctx context.Context, exchange schema.Exchange, weight int) error {
	for {
		wait, err := l.reserve(exchange, weight)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ReportHTTPStatus feeds upstream rate-limit responses back into the limiter.
// 418 (IP ban) doubles the wait multiplier up to 8x; 429 multiplies it by 1.5
// up to 4x; a success resets it.
func (l *Limiter) ReportHTTPStatus(exchange schema.Exchange, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[exchange]
	if !ok {
		return
	}
	switch {
	case status == 418:
		w.penalty = min(w.penalty*2, penaltyCapBan)
	case status == 429:
		w.penalty = min(w.penalty*1.5, penaltyCapThrottle)
	case status >= 200 && status < 300:
		w.penalty = 1
	}
}

// StartupJitter returns a random delay in [0, StartupJitterMax).
func StartupJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(StartupJitterMax)))
}

// reserve either records the grant (returning 0) or returns how long to wait
// before retrying.
func (l *Limiter) reserve(exchange schema.Exchange, weight int) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[exchange]
	if !ok {
		return 0, nil
	}
	if weight > w.budget.Weight {
		return 0, errs.New(string(exchange), errs.CodeInvalid,
			errs.WithMessage("request weight exceeds window budget"))
	}

	now := l.now()
	cutoff := now.Add(-w.budget.Window)
	kept := w.grants[:0]
	for _, g := range w.grants {
		if g.at.After(cutoff) {
			kept = append(kept, g)
		} else {
			w.used -= g.weight
		}
	}
	w.grants = kept

	if w.used+weight <= w.budget.Weight {
		w.grants = append(w.grants, grant{at: now, weight: weight})
		w.used += weight
		return 0, nil
	}

	wait := w.grants[0].at.Add(w.budget.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return time.Duration(float64(wait) * w.penalty), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
