package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker counts connection failures. Every threshold consecutive failures
// it trips and doubles the backoff, capped at maxBackoff.
type breaker struct {
	mu          sync.Mutex
	threshold   int32
	maxBackoff  time.Duration
	consecutive int32
	total       int32
	backoff     time.Duration
	lastFailure time.Time
}

func newBreaker(threshold int32, maxBackoff time.Duration) *breaker {
	return &breaker{threshold: threshold, maxBackoff: maxBackoff, backoff: initialBackoff}
}

// fail records one failure. When it trips, wait is the backoff in force
// before the trip, which is how long the circuit should stay open.
func (b *breaker) fail() (tripped bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.consecutive++
	b.lastFailure = time.Now()
	if b.consecutive < b.threshold {
		return false, 0
	}

	wait = b.backoff
	b.backoff = min(b.backoff*2, b.maxBackoff)
	b.consecutive = 0
	return true, wait
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total, b.consecutive = 0, 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
}

func (b *breaker) state() (total int32, backoff time.Duration, last time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.backoff, b.lastFailure
}
