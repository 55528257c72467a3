package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"awards-be/pkg/logger"
)

const shardCount = 64

// Limiter decides whether a client key may perform one more request.
// When allowed is false, retryAfter is how long until every exhausted
// window has reset.
type Limiter interface {
	Allow(ctx context.Context, clientKey string) (allowed bool, retryAfter time.Duration, err error)
}

// Window is a fixed window anchored at the first request seen for a key
type Window struct {
	Size  time.Duration
	Limit int
}

// Config holds the two windows every key is checked against
type Config struct {
	Short           Window
	Long            Window
	JanitorInterval time.Duration
}

// DefaultConfig returns the production windows: 10/min burst, 200/day sustained
func DefaultConfig() Config {
	return Config{
		Short:           Window{Size: time.Minute, Limit: 10},
		Long:            Window{Size: 24 * time.Hour, Limit: 200},
		JanitorInterval: time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	for name, w := range map[string]Window{"short": c.Short, "long": c.Long} {
		if w.Size <= 0 {
			return fmt.Errorf("%s window size must be positive", name)
		}
		if w.Limit <= 0 {
			return fmt.Errorf("%s window limit must be positive", name)
		}
	}
	return nil
}

func (c Config) windows() [2]Window {
	return [2]Window{c.Short, c.Long}
}

type counter struct {
	count   int
	resetAt time.Time
}

type entry struct {
	counters [2]counter
}

// expired reports whether every window of the entry has reset
func (e *entry) expired(now time.Time) bool {
	for _, c := range e.counters {
		if now.Before(c.resetAt) {
			return false
		}
	}
	return true
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryLimiter keeps per-key counters in process memory. Keys are spread
// over independently locked shards so unrelated clients never contend.
type MemoryLimiter struct {
	cfg    Config
	shards [shardCount]shard
	now    func() time.Time
	logger *logger.Logger

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(cfg Config, log *logger.Logger) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}

	l := &MemoryLimiter{
		cfg:    cfg,
		now:    time.Now,
		logger: log.Component("ratelimit"),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l, nil
}

func (l *MemoryLimiter) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow never returns an error
func (l *MemoryLimiter) Allow(_ context.Context, clientKey string) (bool, time.Duration, error) {
	now := l.now()
	s := l.shardFor(clientKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[clientKey]
	if !ok {
		e = &entry{}
		s.entries[clientKey] = e
	}

	windows := l.cfg.windows()
	var wait time.Duration
	for i, w := range windows {
		c := &e.counters[i]
		if !now.Before(c.resetAt) {
			c.count = 0
		}
		if c.count >= w.Limit {
			if d := c.resetAt.Sub(now); d > wait {
				wait = d
			}
		}
	}
	if wait > 0 {
		return false, wait, nil
	}

	for i, w := range windows {
		c := &e.counters[i]
		if c.count == 0 {
			c.resetAt = now.Add(w.Size)
		}
		c.count++
	}
	return true, 0, nil
}

// Sweep drops keys whose windows have all reset and returns how many were removed
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Start begins the periodic janitor sweep
func (l *MemoryLimiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isRunning {
		return nil
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.janitor(ctx, l.stop, l.done)

	l.isRunning = true
	l.logger.WithField("interval", l.cfg.JanitorInterval).Info("Rate limiter janitor started")
	return nil
}

// Stop halts the janitor and waits for it to exit. If ctx expires first,
// a later Stop waits again.
func (l *MemoryLimiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isRunning {
		return nil
	}

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.isRunning = false
	l.logger.Info("Rate limiter janitor stopped")
	return nil
}

func (l *MemoryLimiter) janitor(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.WithField("removed", n).Debug("Swept expired rate limit keys")
			}
		}
	}
}
