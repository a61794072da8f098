package pool

import "time"

// Backoff is a bounded exponential backoff policy, decoupled from the
// scheduling primitive that applies it.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff matches the config defaults: 250ms doubling up to 10s.
var DefaultBackoff = Backoff{
	Initial:    250 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2.0,
}

// Duration returns the delay before the given retry. attempt counts from 1
// (the first delivery); the first retry waits Initial.
func (b Backoff) Duration(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = DefaultBackoff.Multiplier
	}
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= multiplier
		if d >= float64(max) {
			return max
		}
	}
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
