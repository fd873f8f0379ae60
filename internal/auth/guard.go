package auth

import (
	"sync"
	"time"
)

const maxKeyPartLength = 64

// Guard tracks failed authentication attempts per (address, username) and
// blocks the address once one such key crosses the threshold within the
// window. An empty username keys by address alone. Blocks expire
// after blockFor; expiry is checked lazily and by Prune.
type Guard struct {
	maxAttempts int
	window      time.Duration
	blockFor    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]map[string][]time.Time // address -> username -> stamps
	blocked  map[string]time.Time              // address -> block expiry
}

// NewGuard creates a guard. Non-positive values fall back to 10 attempts per
// hour and a one hour block.
func NewGuard(maxAttempts int, window, blockFor time.Duration) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	if blockFor <= 0 {
		blockFor = time.Hour
	}
	return &Guard{
		maxAttempts: maxAttempts,
		window:      window,
		blockFor:    blockFor,
		now:         time.Now,
		attempts:    make(map[string]map[string][]time.Time),
		blocked:     make(map[string]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// RecordFailedAttempt counts a failure for the (address, username) key. Once
// that key's count inside the window reaches the threshold the address is
// blocked. Reports whether the address is blocked afterwards.
func (g *Guard) RecordFailedAttempt(address, username string) bool {
	address = clip(address)
	if address == "" {
		return false
	}

	now := g.now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	byUser, ok := g.attempts[address]
	if !ok {
		byUser = make(map[string][]time.Time)
		g.attempts[address] = byUser
	}
	username = clip(username)
	stamps := append(trimBefore(byUser[username], cutoff), now)
	byUser[username] = stamps

	if len(stamps) >= g.maxAttempts {
		g.blocked[address] = now.Add(g.blockFor)
		return true
	}
	_, blocked := g.blocked[address]
	return blocked
}

// IsBlocked reports whether address is currently blocked.
func (g *Guard) IsBlocked(address string) bool {
	address = clip(address)

	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.blocked[address]
	if !ok {
		return false
	}
	if !g.now().Before(until) {
		delete(g.blocked, address)
		return false
	}
	return true
}

// Unblock lifts a block and forgets the address's failed attempts.
func (g *Guard) Unblock(address string) {
	address = clip(address)

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.blocked, address)
	delete(g.attempts, address)
}

// FailedAttempts returns the failures recorded for address inside the
// window, across all usernames.
func (g *Guard) FailedAttempts(address string) int {
	address = clip(address)
	cutoff := g.now().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, stamps := range g.attempts[address] {
		total += len(trimBefore(stamps, cutoff))
	}
	return total
}

// BlockedCount returns the number of addresses currently blocked.
func (g *Guard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.blocked)
}

// Prune drops attempts outside the window and expired blocks.
func (g *Guard) Prune() {
	now := g.now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	for address, byUser := range g.attempts {
		for username, stamps := range byUser {
			stamps = trimBefore(stamps, cutoff)
			if len(stamps) == 0 {
				delete(byUser, username)
				continue
			}
			byUser[username] = stamps
		}
		if len(byUser) == 0 {
			delete(g.attempts, address)
		}
	}
	for address, until := range g.blocked {
		if !now.Before(until) {
			delete(g.blocked, address)
		}
	}
}

func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

func clip(s string) string {
	if len(s) > maxKeyPartLength {
		return s[:maxKeyPartLength]
	}
	return s
}
