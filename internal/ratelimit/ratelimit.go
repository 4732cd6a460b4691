// Package ratelimit implements token buckets for inbound websocket frames
// and HTTP requests.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second, holding at
// most burst tokens.
type Limiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if they are all available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	l.lastUpdate = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Registry hands out one Limiter per key and forgets keys that stayed idle
// longer than the eviction interval.
type Registry struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idle     time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	once     sync.Once
}

func NewRegistry(rate float64, burst int, idle time.Duration) *Registry {
	r := newRegistry(rate, burst, idle, time.Now)
	go r.evictLoop()
	return r
}

func newRegistry(rate float64, burst int, idle time.Duration, now func() time.Time) *Registry {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      now,
		stop:     make(chan struct{}),
	}
}

func (r *Registry) Get(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := newLimiter(r.rate, r.burst, r.now)
	r.limiters[key] = l
	return l
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) evictLoop() {
	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evict()
		}
	}
}

func (r *Registry) evict() {
	cutoff := r.now().Add(-r.idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, l := range r.limiters {
		if l.idleSince().Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}
