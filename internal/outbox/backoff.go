package outbox

import "time"

// Default retry schedule: 30s, 1m, 2m, 4m ... capped at 1h.
const (
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffFactor = 2
	DefaultBackoffMax    = time.Hour
)

// Backoff computes the delay before the next delivery attempt. Unlike an
// in-process sleep, the delay is persisted as next_attempt_at, so it is
// deterministic (no jitter) and survives restarts.
type Backoff struct {
	Base   time.Duration
	Factor int
	Max    time.Duration
}

// DefaultBackoff returns the default retry schedule
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Factor: DefaultBackoffFactor, Max: DefaultBackoffMax}
}

// Delay returns min(Base * Factor^(attempts-1), Max) for attempts >= 1
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := b.Base
	for i := 1; i < attempts; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= time.Duration(factor)
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
