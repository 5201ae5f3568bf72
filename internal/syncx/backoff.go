package syncx

import "time"

// BackoffPolicy computes the retry delay for a failed queue entry as a
// pure function of its attempt count: base * 2^attempt, capped. Being
// stateless, the resulting "not before" instant can be persisted next
// to the entry and survives restarts; tests exercise it without timers.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the sync engine defaults: 2s, 4s, 8s ... up to
// five minutes between attempts.
var DefaultBackoff = BackoffPolicy{Base: 2 * time.Second, Cap: 5 * time.Minute}

// Delay returns the wait before attempt n+1, where attempt counts
// completed failures (first retry uses attempt=0).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// NotBeforeMs returns the earliest Unix-milliseconds instant at which a
// retry for the given attempt may be dispatched.
func (p BackoffPolicy) NotBeforeMs(nowMs int64, attempt int) int64 {
	return nowMs + p.Delay(attempt).Milliseconds()
}
