package timeauth

import "fmt"

// Countdown is one connection's view of a session's remaining time. It keeps
// the reported value non-increasing across heartbeats and fires each warning
// threshold at most once.
type Countdown struct {
	thresholds []int64 // descending
	last       int64
	fired      map[int64]bool
}

// NewCountdown creates a Countdown for thresholds given in seconds, descending.
func NewCountdown(thresholds []int64) *Countdown {
	return &Countdown{
		thresholds: append([]int64(nil), thresholds...),
		last:       -1,
		fired:      make(map[int64]bool, len(thresholds)),
	}
}

// Warning is emitted when remaining time crosses a threshold.
type Warning struct {
	Threshold int64
	Remaining int64
}

// Message renders a short learner-facing text.
func (w Warning) Message() string {
	if w.Threshold >= 60 {
		return fmt.Sprintf("Sisa waktu kurang dari %d menit.", w.Threshold/60)
	}
	return fmt.Sprintf("Sisa waktu kurang dari %d detik.", w.Threshold)
}

// Observe records a fresh reading and returns the value to report plus a
// warning when a threshold was crossed. Crossing several thresholds in one
// step yields a single warning for the smallest one.
func (c *Countdown) Observe(remaining int64) (int64, *Warning) {
	if remaining < 0 {
		remaining = 0
	}
	if c.last >= 0 && remaining > c.last {
		remaining = c.last
	}
	c.last = remaining

	if remaining == 0 {
		return remaining, nil
	}

	var crossed int64 = -1
	for _, t := range c.thresholds {
		if remaining <= t && !c.fired[t] {
			c.fired[t] = true
			crossed = t
		}
	}
	if crossed < 0 {
		return remaining, nil
	}
	return remaining, &Warning{Threshold: crossed, Remaining: remaining}
}
