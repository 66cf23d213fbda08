// Package ratelimit enforces per-endpoint call-rate ceilings using a
// token-bucket scheme (spec §4.1), grounded on the teacher's use of
// golang.org/x/time/rate for its per-node Flow Access Node budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrWaitTooLong is returned when acquiring a token would require waiting
// longer than the configured max delay for that bucket.
var ErrWaitTooLong = errors.New("ratelimit: wait exceeds configured max delay")

// Rule configures a single endpoint's bucket: calls-per-window with a
// burst ceiling, and an optional cap on how long a caller will wait.
type Rule struct {
	// Calls is the number of calls permitted per Window.
	Calls int
	// Window is the refill period for Calls tokens.
	Window time.Duration
	// Burst is the bucket capacity. Defaults to Calls if zero.
	Burst int
	// MaxDelay bounds how long Acquire will wait before failing with
	// ErrWaitTooLong. Zero means unbounded (block until satisfied).
	MaxDelay time.Duration
}

func (r Rule) limit() rate.Limit {
	if r.Calls <= 0 || r.Window <= 0 {
		return rate.Inf
	}
	return rate.Every(r.Window / time.Duration(r.Calls))
}

func (r Rule) burst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	if r.Calls > 0 {
		return r.Calls
	}
	return 1
}

// DefaultRule is R_default from spec §4.1: 190 calls per 60 seconds.
var DefaultRule = Rule{Calls: 190, Window: 60 * time.Second}

// Limiter holds one independent token bucket per endpoint name. Buckets
// are created lazily on first Acquire and guarded by a per-Limiter mutex;
// distinct endpoint buckets never contend with each other beyond that
// single map lookup.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rules    map[string]Rule
	fallback Rule
}

// New constructs a Limiter whose default rule is fallback (typically
// DefaultRule), with per-endpoint overrides in overrides.
func New(fallback Rule, overrides map[string]Rule) *Limiter {
	rules := make(map[string]Rule, len(overrides))
	for k, v := range overrides {
		rules[k] = v
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		rules:    rules,
		fallback: fallback,
	}
}

func (l *Limiter) bucketFor(endpoint string) (*rate.Limiter, Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[endpoint]; ok {
		return b, l.ruleFor(endpoint)
	}
	rule := l.ruleFor(endpoint)
	b := rate.NewLimiter(rule.limit(), rule.burst())
	l.buckets[endpoint] = b
	return b, rule
}

func (l *Limiter) ruleFor(endpoint string) Rule {
	if r, ok := l.rules[endpoint]; ok {
		return r
	}
	return l.fallback
}

// Acquire blocks until weight tokens are available on endpoint's bucket,
// or returns ErrWaitTooLong if the endpoint's MaxDelay would be exceeded.
// It never spins: the wait is a single context-aware sleep computed from
// the bucket's reservation.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	bucket, rule := l.bucketFor(endpoint)

	if rule.MaxDelay <= 0 {
		return bucket.WaitN(ctx, weight)
	}

	reservation := bucket.ReserveN(time.Now(), weight)
	if !reservation.OK() {
		return fmt.Errorf("ratelimit: endpoint %q cannot satisfy weight %d (burst too small)", endpoint, weight)
	}
	delay := reservation.Delay()
	if delay > rule.MaxDelay {
		reservation.Cancel()
		return fmt.Errorf("%w: endpoint %q would wait %s (max %s)", ErrWaitTooLong, endpoint, delay, rule.MaxDelay)
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
