package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	maxIdle time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per client with the given burst.
// Buckets idle for longer than maxIdle are removed by Cleanup.
func NewRateLimiter(requestsPerMinute, burst int, maxIdle time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		maxIdle: maxIdle,
		buckets: make(map[string]*bucket),
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	b, ok := r.buckets[clientIP]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[clientIP] = b
	}
	b.lastSeen = time.Now()
	r.mu.Unlock()

	return b.limiter.Allow()
}

// Clients returns the number of tracked client IPs
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Cleanup removes buckets that have not been used recently
func (r *RateLimiter) Cleanup() {
	cutoff := time.Now().Add(-r.maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, ip)
		}
	}
}

// Run cleans up idle buckets every interval until ctx is done
func (r *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}
