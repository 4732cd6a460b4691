package replay

import "time"

// Clock schedules the waits between replayed records.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is backed by the time package.
var RealClock Clock = realClock{}

// pace returns the wait between two records, clamped to ceiling.
func pace(from, to time.Time, ceiling time.Duration) time.Duration {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
