// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit throttles password attempts per caller. The retry
// counter of a user bounds how many wrong passwords wipe it; the limiter
// bounds how fast a caller can burn through them.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// RequestsPerMinute is the sustained rate per caller uid.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Burst defaults to RequestsPerMinute.
	Burst int `yaml:"burst"`

	// CleanupInterval controls how often idle callers are forgotten.
	// Defaults to 10 minutes.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// MaxIdle defaults to 30 minutes.
	MaxIdle time.Duration `yaml:"max_idle"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a token bucket per caller uid.
type Limiter struct {
	mu      sync.Mutex
	callers map[uint32]*bucket

	limit   rate.Limit
	burst   int
	enabled bool
	maxIdle time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter. A nil config or a disabled one lets everything
// through.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}

	burst := config.Burst
	if burst == 0 {
		burst = config.RequestsPerMinute
	}
	interval := config.CleanupInterval
	if interval == 0 {
		interval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		callers: make(map[uint32]*bucket),
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		burst:   burst,
		enabled: config.Enabled,
		maxIdle: maxIdle,
		stop:    make(chan struct{}),
	}
	if l.enabled {
		go l.sweep(interval)
	}
	return l
}

func (l *Limiter) bucket(uid uint32) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.callers[uid]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[uid] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow consumes a token for uid if one is available.
func (l *Limiter) Allow(uid uint32) bool {
	return l.Delay(uid) == 0
}

// Delay consumes a token for uid and returns zero, or returns how long the
// caller must wait for the next token without consuming anything.
func (l *Limiter) Delay(uid uint32) time.Duration {
	if !l.enabled {
		return 0
	}
	r := l.bucket(uid).Reserve()
	if !r.OK() {
		return l.maxIdle
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return d
	}
	return 0
}

// Wait blocks until uid may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, uid uint32) error {
	if !l.enabled {
		return nil
	}
	return l.bucket(uid).Wait(ctx)
}

// Active is the number of callers currently tracked.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.forgetIdle(time.Now())
		case <-l.stop:
			return
		}
	}
}

// forgetIdle drops callers not seen within maxIdle of now.
func (l *Limiter) forgetIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for uid, b := range l.callers {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.callers, uid)
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware rejects requests of a throttled caller with 429 and a
// Retry-After header. Requests without a caller pass.
func Middleware(limiter *Limiter, caller func(*http.Request) (uint32, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid, ok := caller(r); ok {
				if d := limiter.Delay(uid); d > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
					http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
