package yandex

import (
	"context"
	"sync"
	"time"
)

// Rule caps the number of calls admitted inside a sliding window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirrors the search API quotas: 10/sec, 600/min, 35000/hour.
func DefaultRules() []Rule {
	return []Rule{
		{Limit: 10, Window: time.Second},
		{Limit: 600, Window: time.Minute},
		{Limit: 35000, Window: time.Hour},
	}
}

type windowState struct {
	rule  Rule
	calls []time.Time
}

func (w *windowState) prune(now time.Time) {
	cutoff := now.Add(-w.rule.Window)
	idx := 0
	for idx < len(w.calls) && !w.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.calls = append(w.calls[:0], w.calls[idx:]...)
	}
}

// waitFor returns how long the caller must wait before this window admits
// another call, zero when it admits one now.
func (w *windowState) waitFor(now time.Time) time.Duration {
	w.prune(now)
	if len(w.calls) < w.rule.Limit {
		return 0
	}
	return w.calls[0].Add(w.rule.Window).Sub(now)
}

// SlidingLimiter admits calls only when every rule's sliding window has
// room, sleeping cooperatively otherwise. Safe for concurrent use.
type SlidingLimiter struct {
	mu      sync.Mutex
	windows []*windowState
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSlidingLimiter builds a limiter over the given rules. Nil or empty
// rules yield a limiter that admits everything.
func NewSlidingLimiter(rules []Rule) *SlidingLimiter {
	windows := make([]*windowState, 0, len(rules))
	for _, r := range rules {
		if r.Limit > 0 && r.Window > 0 {
			windows = append(windows, &windowState{rule: r})
		}
	}
	return &SlidingLimiter{
		windows: windows,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until all windows admit a call, then records it. Returns
// early only on context cancellation.
func (l *SlidingLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		var wait time.Duration
		for _, w := range l.windows {
			if d := w.waitFor(now); d > wait {
				wait = d
			}
		}
		if wait == 0 {
			for _, w := range l.windows {
				w.calls = append(w.calls, now)
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending reports the in-window call count of the tightest rule, for logs.
func (l *SlidingLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) == 0 {
		return 0
	}
	l.windows[0].prune(l.now())
	return len(l.windows[0].calls)
}
