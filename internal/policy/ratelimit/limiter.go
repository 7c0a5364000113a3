// Package ratelimit paces headless navigations with one token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate per host; zero or less disables limiting.
	RPS   float64
	Burst int
	// Overrides sets a per-host RPS.
	Overrides map[string]float64
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.Overrides))
	for host, rps := range cfg.Overrides {
		if rps > 0 {
			overrides[strings.ToLower(host)] = rate.Limit(rps)
		}
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burst:     burst,
		overrides: overrides,
	}
}

// Wait blocks until rawURL's host may be contacted or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		r := l.rate
		if o, has := l.overrides[host]; has {
			r = o
		}
		limiter = rate.NewLimiter(r, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
