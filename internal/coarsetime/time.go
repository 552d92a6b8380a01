// Package coarsetime is a clock refreshed every 50ms, for the pool's
// bookkeeping of connection idle times where time.Now is too costly.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	store(time.Now())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			store(t)
		}
	}()
}

func store(t time.Time) {
	now.Store(&t)
}

// Now returns the current time, up to one tick late.
func Now() time.Time {
	return *now.Load()
}

// Since is time.Since on the coarse clock. It never returns a negative
// duration.
func Since(t time.Time) time.Duration {
	if d := Now().Sub(t); d > 0 {
		return d
	}
	return 0
}
