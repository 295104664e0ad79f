// Package ratelimit bounds how often clients may hit the server.
package ratelimit

import (
	"time"

	"github.com/kevinms/leakybucket-go"
)

// Limiter enforces a per-key request rate with a leaky bucket: a
// burst up to the per-minute budget passes, then requests drain
// out at a steady rate.
type Limiter struct {
	collector *leakybucket.Collector
}

// NewLimiter allows perMin requests per minute for each key.
func NewLimiter(perMin int) *Limiter {
	rate := float64(perMin) / 60
	return &Limiter{
		collector: leakybucket.NewCollector(rate, int64(perMin), true /* deleteEmptyBuckets */),
	}
}

// Allow records one request for key. It reports whether the
// request fits the rate and, when it does not, how long the
// client should wait before retrying.
//
// A nil Limiter allows everything.
func (l *Limiter) Allow(key string) (retryAfter time.Duration, ok bool) {
	if l == nil {
		return 0, true
	}
	if l.collector.Remaining(key) < 1 {
		return l.collector.TillEmpty(key), false
	}
	l.collector.Add(key, 1)
	return 0, true
}
