package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidActor is returned for empty or oversized actor identifiers.
var ErrInvalidActor = errors.New("ratelimit: invalid actor")

type windowKey struct {
	actor string
	class string
}

// Memory is an in-process sliding-window log limiter. Timestamps older than
// the rule's window are discarded on access; Prune drops idle windows.
type Memory struct {
	rules Rules
	now   func() time.Time

	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

// NewMemory creates a limiter using rules. A nil rules table means DefaultRules.
func NewMemory(rules Rules) *Memory {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Memory{
		rules:   rules,
		now:     time.Now,
		windows: make(map[windowKey][]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Allow records a request for (actor, class) if the window has room.
func (m *Memory) Allow(_ context.Context, actor, class string) (Decision, error) {
	if !validActor(actor) {
		return Decision{}, ErrInvalidActor
	}
	class = m.rules.Class(class)
	rule := m.rules.For(class)
	key := windowKey{actor: actor, class: class}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stamps := trim(m.windows[key], now.Add(-rule.Window))

	if len(stamps) < rule.MaxRequests {
		stamps = append(stamps, now)
		m.windows[key] = stamps
		return Decision{Allowed: true, Remaining: rule.MaxRequests - len(stamps)}, nil
	}

	m.windows[key] = stamps
	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: stamps[0].Add(rule.Window).Sub(now),
	}, nil
}

// Remaining reports how many requests (actor, class) may still make without
// recording anything.
func (m *Memory) Remaining(actor, class string) int {
	class = m.rules.Class(class)
	rule := m.rules.For(class)

	m.mu.Lock()
	defer m.mu.Unlock()

	stamps := trim(m.windows[windowKey{actor: actor, class: class}], m.now().Add(-rule.Window))
	if n := rule.MaxRequests - len(stamps); n > 0 {
		return n
	}
	return 0
}

// Prune removes windows whose timestamps have all expired.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, stamps := range m.windows {
		rule := m.rules.For(key.class)
		if len(trim(stamps, now.Add(-rule.Window))) == 0 {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run prunes idle windows every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Prune(); n > 0 {
				logger.Debug("pruned idle rate windows", slog.Int("count", n))
			}
		}
	}
}

// trim drops timestamps at or before cutoff. stamps is ordered oldest first.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}

var _ Limiter = (*Memory)(nil)
