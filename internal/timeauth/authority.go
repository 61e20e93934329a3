// Package timeauth is the only place that decides how much time a session
// has left. Every verdict is derived from the session's started_at and the
// server clock; client-supplied timing is never consulted.
package timeauth

import (
	"math"
	"time"
)

// DefaultTolerance absorbs network and processing latency on submit.
const DefaultTolerance = 5 * time.Second

// Authority computes elapsed/remaining time against the server clock.
type Authority struct {
	now       func() time.Time
	tolerance time.Duration
}

// New creates an Authority. A nil now uses time.Now.
func New(tolerance time.Duration, now func() time.Time) *Authority {
	if now == nil {
		now = time.Now
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &Authority{now: now, tolerance: tolerance}
}

// Verdict is a point-in-time reading for one session.
type Verdict struct {
	Now       time.Time
	Elapsed   time.Duration
	Limit     time.Duration
	Remaining time.Duration
}

// Expired is the hard cutoff used by join and sync.
func (v Verdict) Expired() bool {
	return v.Remaining <= 0
}

// RemainingSeconds rounds up so a session with 0.4s left still reports 1.
func (v Verdict) RemainingSeconds() int64 {
	return int64(math.Ceil(v.Remaining.Seconds()))
}

// ElapsedSeconds rounds down.
func (v Verdict) ElapsedSeconds() int64 {
	return int64(v.Elapsed / time.Second)
}

// LimitSeconds returns the limit in whole seconds.
func (v Verdict) LimitSeconds() int64 {
	return int64(v.Limit / time.Second)
}

// Now returns the authority's current time.
func (a *Authority) Now() time.Time {
	return a.now()
}

// Evaluate computes the verdict for a session started at startedAt.
func (a *Authority) Evaluate(startedAt time.Time, limitSeconds int) Verdict {
	return a.EvaluateAt(a.now(), startedAt, limitSeconds)
}

// EvaluateAt computes the verdict at a fixed instant.
func (a *Authority) EvaluateAt(now, startedAt time.Time, limitSeconds int) Verdict {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	limit := time.Duration(limitSeconds) * time.Second
	remaining := limit - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Now:       now,
		Elapsed:   elapsed,
		Limit:     limit,
		Remaining: remaining,
	}
}

// WithinSubmitWindow reports whether a submit observed at v is accepted:
// elapsed <= limit + tolerance.
func (a *Authority) WithinSubmitWindow(v Verdict) bool {
	return v.Elapsed <= v.Limit+a.tolerance
}
