// Package retry implements the classify-then-backoff retry contract of
// spec §4.2, grounded on the teacher's internal/flow/client.go:withRetry
// decision structure, executed via github.com/cenkalti/backoff/v4 the
// way the pack's PayRpc engine example composes
// backoff.Retry(op, backoff.WithMaxRetries(...)).
package retry

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects the delay shape for a Policy (spec §4.2 table).
type Strategy int

const (
	Fixed Strategy = iota
	Linear
	Exponential
)

// Policy is an immutable retry decision value.
type Policy struct {
	Strategy        Strategy
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	NonRetryable    []string // case-insensitive substrings
}

// DefaultPolicy is the general-purpose preset.
var DefaultPolicy = Policy{
	Strategy:      Exponential,
	MaxAttempts:   3,
	BaseDelay:     500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
	NonRetryable:  NonRetryablePatterns,
}

// NetworkPolicy favors more attempts with linear backoff for transient
// network failures.
var NetworkPolicy = Policy{
	Strategy:      Linear,
	MaxAttempts:   5,
	BaseDelay:     time.Second,
	MaxDelay:      60 * time.Second,
	BackoffFactor: 1.5,
	NonRetryable:  NonRetryablePatterns,
}

// APILimitPolicy is tuned for upstream "too many calls" business errors:
// fewer attempts, a longer fixed pause so the remote window resets.
var APILimitPolicy = Policy{
	Strategy:      Fixed,
	MaxAttempts:   3,
	BaseDelay:     20 * time.Second,
	MaxDelay:      20 * time.Second,
	BackoffFactor: 1,
	NonRetryable:  NonRetryablePatterns,
}

// NonRetryablePatterns are matched case-insensitively against an error's
// message (spec §7). Non-exhaustive by design; extend via Policy.NonRetryable.
var NonRetryablePatterns = []string{
	"invalid parameter",
	"authentication failed",
	"permission denied",
	"unauthorized",
	"401",
	"403",
	"参数无效",
	"参数错误",
	"无法识别",
}

// periodRemainer is implemented by errors (such as an upstream rate-limit
// exception) that dictate their own sleep duration, overriding the
// policy's computed backoff (spec §4.2 special case).
type periodRemainer interface {
	PeriodRemaining() time.Duration
}

// RateLimitError wraps an upstream rate-limit response that carries the
// exact remaining window the caller must wait out.
type RateLimitError struct {
	Err     error
	Remains time.Duration
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }
func (e *RateLimitError) PeriodRemaining() time.Duration { return e.Remains }

// ShouldRetry reports whether an error at the given 1-based attempt index
// should be retried under p. Errors matching a non-retryable pattern are
// never retried regardless of attempt index.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range p.NonRetryable {
		if strings.Contains(msg, strings.ToLower(pat)) {
			return false
		}
	}
	return attempt < p.MaxAttempts
}

// GetDelay computes the delay before the given 1-based attempt, clamped
// to MaxDelay. If err carries a PeriodRemaining, that value is used
// instead of the computed backoff, per spec §4.2.
func (p Policy) GetDelay(err error, attempt int) time.Duration {
	var pr periodRemainer
	if errAs(err, &pr) {
		return pr.PeriodRemaining()
	}
	return p.clamp(p.rawDelay(attempt))
}

func (p Policy) rawDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch p.Strategy {
	case Fixed:
		return p.BaseDelay
	case Linear:
		return time.Duration(float64(p.BaseDelay) * float64(n) * p.BackoffFactor)
	case Exponential:
		factor := p.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		return time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(n-1)))
	default:
		return p.BaseDelay
	}
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func errAs(err error, target *periodRemainer) bool {
	for err != nil {
		if pr, ok := err.(periodRemainer); ok {
			*target = pr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// policyBackoff adapts Policy into a backoff.BackOff whose NextBackOff
// delegates entirely to Policy.GetDelay, so cenkalti/backoff/v4 drives
// the retry loop's attempt counting and context handling while the three
// spec-mandated shapes (and the rate-limit override) stay exact.
type policyBackoff struct {
	policy  Policy
	attempt int
	lastErr error
}

func (b *policyBackoff) NextBackOff() time.Duration {
	b.attempt++
	if !b.policy.ShouldRetry(b.lastErr, b.attempt) {
		return backoff.Stop
	}
	return b.policy.GetDelay(b.lastErr, b.attempt)
}

func (b *policyBackoff) Reset() { b.attempt = 0 }

// Do executes fn, retrying per policy until it succeeds, is classified
// non-retryable, exhausts MaxAttempts, or ctx is cancelled.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	pb := &policyBackoff{policy: policy}
	var lastErr error

	operation := func() error {
		err := fn()
		pb.lastErr = err
		lastErr = err
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(pb, ctx))
	if err != nil {
		return err
	}
	_ = lastErr
	return nil
}
