package ratelimit

import (
	"sync"
	"time"
)

// Backoff slows down repeated failures, for login attempts.
// After buffer failures on a key within the delay window, Wait
// sleeps before letting the caller proceed.
type Backoff struct {
	mu       sync.Mutex
	failures map[string]failState
	cleaned  time.Time
}

type failState struct {
	last  time.Time
	count int
}

// Wait blocks when key has failed too often recently. It reports
// whether it slept.
func (b *Backoff) Wait(key string) bool {
	const delay = 3 * time.Second
	const window = 60 * time.Second
	const buffer = 10

	now := timeNow()

	b.mu.Lock()
	if now.Sub(b.cleaned) > window {
		for k, st := range b.failures {
			if now.Sub(st.last) > delay {
				delete(b.failures, k)
			}
		}
		b.cleaned = now
	}
	st := b.failures[key]
	b.mu.Unlock()

	if st.count >= buffer && now.Sub(st.last) < delay {
		timeSleep(delay)
		return true
	}
	return false
}

// Fail records a failed attempt on key.
func (b *Backoff) Fail(key string) {
	b.mu.Lock()
	if b.failures == nil {
		b.failures = make(map[string]failState)
	}
	st := b.failures[key]
	st.last = timeNow()
	st.count++
	b.failures[key] = st
	b.mu.Unlock()
}

// Reset clears the failure record for key, after a success.
func (b *Backoff) Reset(key string) {
	b.mu.Lock()
	delete(b.failures, key)
	b.mu.Unlock()
}

var timeSleep = time.Sleep
var timeNow = time.Now
