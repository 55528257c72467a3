package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awards-be/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*MemoryLimiter, *fakeClock) {
	l, err := NewMemoryLimiter(cfg, logger.NewNop())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func smallConfig() Config {
	return Config{
		Short: Window{Size: time.Minute, Limit: 3},
		Long:  Window{Size: time.Hour, Limit: 5},
	}
}

func TestMemoryLimiter_ShortWindowExhaustionAndRecovery(t *testing.T) {
	l, clock := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, wait, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i+1)
		assert.Zero(t, wait)
	}

	clock.Advance(20 * time.Second)
	ok, wait, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, wait)

	clock.Advance(40 * time.Second)
	ok, _, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "short window should have reset")
}

func TestMemoryLimiter_LongWindowGovernsRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			if ok, _, _ := l.Allow(ctx, "k"); ok {
				admitted++
			}
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 5, admitted)

	ok, wait, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Hour-4*time.Minute, wait)
}

func TestMemoryLimiter_RejectedRequestsDoNotConsumeCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, _ = l.Allow(ctx, "k")
	}
	for i := 0; i < 50; i++ {
		ok, _, _ := l.Allow(ctx, "k")
		assert.False(t, ok)
	}

	clock.Advance(time.Minute)
	ok, _, _ := l.Allow(ctx, "k")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "k")
	assert.True(t, ok, "long window should only count admitted requests")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, _ = l.Allow(ctx, "a")
	}
	ok, _, _ := l.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiter_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	cfg := Config{
		Short: Window{Size: time.Minute, Limit: 10},
		Long:  Window{Size: time.Hour, Limit: 100},
	}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := l.Allow(ctx, "hot"); ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, _, _ = l.Allow(ctx, fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 20, l.Len())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, l.Sweep(), "long window still open")

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 20, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestMemoryLimiter_StartStop(t *testing.T) {
	cfg := smallConfig()
	cfg.JanitorInterval = 10 * time.Millisecond
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()

	_, _, _ = l.Allow(ctx, "k")
	clock.Advance(2 * time.Hour)

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))
}

func TestMemoryLimiter_StopRetriedAfterCancel(t *testing.T) {
	l, _ := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Start(ctx))
		// either outcome is fine; the janitor may already have exited
		_ = l.Stop(cancelled)
		require.NotPanics(t, func() {
			assert.NoError(t, l.Stop(ctx))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Short.Limit = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Long.Size = 0
	assert.Error(t, cfg.Validate())

	_, err := NewMemoryLimiter(cfg, logger.NewNop())
	assert.Error(t, err)
}
