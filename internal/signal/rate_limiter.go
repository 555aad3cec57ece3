package signal

import "time"

// Clock abstracts time.Now so window behavior is testable deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// slidingWindow allows at most limit events per rolling interval. One
// instance belongs to one channel and is only touched from its read
// goroutine, so there is no lock.
type slidingWindow struct {
	clock    Clock
	limit    int
	interval time.Duration
	times    []time.Time
}

func newSlidingWindow(clock Clock, limit int, interval time.Duration) *slidingWindow {
	return &slidingWindow{clock: clock, limit: limit, interval: interval}
}

func (w *slidingWindow) Allow() bool {
	now := w.clock.Now()
	windowStart := now.Add(-w.interval)

	fresh := w.times[:0]
	for _, t := range w.times {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	w.times = fresh

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
