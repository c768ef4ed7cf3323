package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRate is the default compilation rate: 150 compilations per 5 minutes.
const DefaultRate = "150/5m"

// RateLimiter is an in-process token bucket. The bucket starts full with
// `max` tokens and refills continuously over `window`. Each compilation
// takes one token.
type RateLimiter struct {
	mu         sync.Mutex
	max        float64
	perSecond  float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing max compilations per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &RateLimiter{
		max:        float64(max),
		perSecond:  float64(max) / window.Seconds(),
		tokens:     float64(max),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// ParseRate parses a rate expression of the form "150/5m" into a limiter.
// An empty string yields the default rate; "0" or "off" disables limiting.
func ParseRate(expr string) (*RateLimiter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultRate
	}
	if expr == "0" || strings.EqualFold(expr, "off") {
		return nil, nil
	}

	parts := strings.SplitN(expr, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid rate %q: want COUNT/WINDOW, e.g. %q", expr, DefaultRate)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || max <= 0 {
		return nil, fmt.Errorf("invalid rate count in %q", expr)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return nil, fmt.Errorf("invalid rate window in %q", expr)
	}
	return NewRateLimiter(max, window), nil
}

// Allow takes a token; it returns false when the bucket is empty.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.perSecond
		if r.tokens > r.max {
			r.tokens = r.max
		}
		r.lastRefill = now
	}

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
