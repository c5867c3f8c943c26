// Package ratelimit provides per-client token buckets shared by the HTTP and
// gRPC surfaces.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed manages one limiter per client key. Limiters unused for longer than
// the idle TTL are dropped on the next sweep.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewKeyed creates a keyed limiter. requestsPerSecond <= 0 disables limiting.
func NewKeyed(requestsPerSecond float64, burst int) *Keyed {
	if burst <= 0 {
		burst = 1
	}
	return &Keyed{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		idleTTL:  defaultIdleTTL,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now, and if not, how long until it
// may.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	if k == nil || k.rate <= 0 {
		return true, 0
	}
	l := k.get(key)
	if l.Allow() {
		return true, 0
	}
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	return false, delay
}

// Len returns the number of tracked clients.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastGC) > k.idleTTL {
		for id, e := range k.limiters {
			if now.Sub(e.lastSeen) > k.idleTTL {
				delete(k.limiters, id)
			}
		}
		k.lastGC = now
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rate, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}
