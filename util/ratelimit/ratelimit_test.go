package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurstThenBlock(t *testing.T) {
	l := NewLimiter(10)

	for i := 0; i < 10; i++ {
		if retry, ok := l.Allow("dev1"); !ok {
			t.Fatalf("request %d blocked inside burst budget, retry=%v", i, retry)
		}
	}
	retry, ok := l.Allow("dev1")
	if ok {
		t.Fatal("request allowed over burst budget")
	}
	if retry <= 0 {
		t.Errorf("retryAfter=%v, want positive", retry)
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := NewLimiter(5)

	for i := 0; i < 5; i++ {
		if _, ok := l.Allow("dev1"); !ok {
			t.Fatalf("request %d blocked inside burst budget", i)
		}
	}
	if _, ok := l.Allow("dev1"); ok {
		t.Fatal("dev1 allowed over budget")
	}
	if _, ok := l.Allow("dev2"); !ok {
		t.Fatal("dev2 blocked by dev1's traffic")
	}
}

func TestLimiterNil(t *testing.T) {
	var l *Limiter
	for i := 0; i < 100; i++ {
		if _, ok := l.Allow("dev1"); !ok {
			t.Fatal("nil limiter blocked a request")
		}
	}
}

func TestBackoff(t *testing.T) {
	now := time.Now()
	slept := time.Duration(0)
	timeSleep = func(d time.Duration) { slept = d }
	timeNow = func() time.Time { return now }
	defer func() {
		timeSleep = time.Sleep
		timeNow = time.Now
	}()

	b := Backoff{}
	if b.Wait("foo") || slept != 0 {
		t.Errorf("empty backoff is throttling: %v", slept)
		slept = 0
	}

	b.Fail("foo")
	if b.Wait("foo") || slept != 0 {
		t.Errorf("throttling inside initial buffer: %v", slept)
		slept = 0
	}
	for i := 0; i < 10; i++ {
		b.Fail("foo")
	}
	if !b.Wait("foo") || slept != 3*time.Second {
		t.Errorf("want throttling, got: %v", slept)
	}
	slept = 0
	now = now.Add(4 * time.Second)
	if b.Wait("foo") || slept != 0 {
		t.Errorf("throttling after sufficient wait: %v", slept)
	}
	slept = 0

	now = now.Add(61 * time.Second)

	if b.Wait("foo") || slept != 0 {
		t.Errorf("throttling after cleaning window: %v", slept)
		slept = 0
	}
}

func TestBackoffReset(t *testing.T) {
	now := time.Now()
	slept := time.Duration(0)
	timeSleep = func(d time.Duration) { slept = d }
	timeNow = func() time.Time { return now }
	defer func() {
		timeSleep = time.Sleep
		timeNow = time.Now
	}()

	b := Backoff{}
	for i := 0; i < 11; i++ {
		b.Fail("foo")
	}
	b.Reset("foo")
	if b.Wait("foo") || slept != 0 {
		t.Errorf("throttling after reset: %v", slept)
	}
}
