package runtime

import (
	"sync"
	"time"

	"github.com/claudebench/claudebench/observability"
)

// BreakerState is the circuit position for one event name.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker trips after threshold consecutive failures and short-circuits calls
// to the handler's fallback until a cooldown probe succeeds.
type Breaker struct {
	mu sync.Mutex

	event     string
	threshold int
	cooldown  time.Duration

	state         BreakerState
	consecutive   int
	openedAt      time.Time
	probeInFlight bool
}

func NewBreaker(event string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{event: event, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether the body may run. In Open state only the single
// half-open probe is admitted once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	if b.state == BreakerHalfOpen {
		b.transition(BreakerOpen)
		b.openedAt = time.Now()
		b.consecutive = 0
		return
	}
	b.consecutive++
	if b.state == BreakerClosed && b.consecutive >= b.threshold {
		b.transition(BreakerOpen)
		b.openedAt = time.Now()
		b.consecutive = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition assumes b.mu is held.
func (b *Breaker) transition(next BreakerState) {
	observability.CircuitTransitions.WithLabelValues(b.event, next.String()).Inc()
	observability.CircuitState.WithLabelValues(b.event).Set(float64(next))
	b.state = next
}
