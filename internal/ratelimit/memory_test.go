package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rules Rules) (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemory(rules).WithClock(clock.Now), clock
}

func TestMemory_DeniesAfterMaxWithinWindow(t *testing.T) {
	rules := Rules{"action": {MaxRequests: 3, Window: time.Minute}, ClassDefault: {MaxRequests: 10, Window: time.Minute}}
	limiter, _ := newTestLimiter(rules)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "1.2.3.4", "action")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "1.2.3.4", "action")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.Equal(t, 60, d.RetryAfterSeconds())
}

func TestMemory_AdmitsAgainAfterWindow(t *testing.T) {
	rules := Rules{"action": {MaxRequests: 2, Window: 10 * time.Second}}
	limiter, clock := newTestLimiter(rules)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(ctx, "u1", "action")
		require.NoError(t, err)
	}
	d, _ := limiter.Allow(ctx, "u1", "action")
	require.False(t, d.Allowed)

	clock.Advance(4 * time.Second)
	d, _ = limiter.Allow(ctx, "u1", "action")
	assert.False(t, d.Allowed)
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	clock.Advance(6 * time.Second)
	d, _ = limiter.Allow(ctx, "u1", "action")
	assert.True(t, d.Allowed)
}

func TestMemory_SlidesRatherThanResets(t *testing.T) {
	rules := Rules{"action": {MaxRequests: 2, Window: 10 * time.Second}}
	limiter, clock := newTestLimiter(rules)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "u1", "action")
	clock.Advance(6 * time.Second)
	_, _ = limiter.Allow(ctx, "u1", "action")

	clock.Advance(4 * time.Second)
	d, _ := limiter.Allow(ctx, "u1", "action")
	assert.True(t, d.Allowed, "first stamp expired, one slot frees up")

	d, _ = limiter.Allow(ctx, "u1", "action")
	assert.False(t, d.Allowed)
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(DefaultRules())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(ctx, "a", ClassLogin)
	}
	d, _ := limiter.Allow(ctx, "a", ClassLogin)
	assert.False(t, d.Allowed)

	d, _ = limiter.Allow(ctx, "b", ClassLogin)
	assert.True(t, d.Allowed, "other actor unaffected")

	d, _ = limiter.Allow(ctx, "a", ClassMessage)
	assert.True(t, d.Allowed, "other class unaffected")
}

func TestMemory_UnknownClassFoldsIntoDefault(t *testing.T) {
	limiter, _ := newTestLimiter(DefaultRules())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = limiter.Allow(ctx, "a", fmt.Sprintf("junk-%d", i))
	}
	d, _ := limiter.Allow(ctx, "a", "other-junk")
	assert.False(t, d.Allowed, "all unknown classes share the default window")
	assert.Equal(t, 1, limiter.Len())
}

func TestMemory_RejectsInvalidActor(t *testing.T) {
	limiter, _ := newTestLimiter(nil)

	_, err := limiter.Allow(context.Background(), "", ClassLogin)
	assert.ErrorIs(t, err, ErrInvalidActor)

	long := make([]byte, maxActorLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = limiter.Allow(context.Background(), string(long), ClassLogin)
	assert.ErrorIs(t, err, ErrInvalidActor)
	assert.Equal(t, 0, limiter.Len())
}

func TestMemory_PruneDropsIdleWindows(t *testing.T) {
	limiter, clock := newTestLimiter(DefaultRules())
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "a", ClassMessage)
	_, _ = limiter.Allow(ctx, "b", ClassRegister)
	require.Equal(t, 2, limiter.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, limiter.Prune())
	assert.Equal(t, 1, limiter.Len())
	assert.Equal(t, 2, limiter.Remaining("b", ClassRegister))
}

func TestMemory_ConcurrentAllowNeverOverAdmits(t *testing.T) {
	rules := Rules{"action": {MaxRequests: 50, Window: time.Hour}}
	limiter := NewMemory(rules)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, "shared", "action")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
