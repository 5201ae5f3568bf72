package syncx

import "time"

// Clock abstracts the time source so queue and orchestrator tests can
// simulate time passage (backoff windows, checkpoints) without real
// timers.
type Clock interface {
	NowMs() int64
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) NowMs() int64 { return time.Now().UTC().UnixMilli() }

// NowMs returns current Unix milliseconds (UTC) from the system clock.
func NowMs() int64 { return SystemClock{}.NowMs() }
