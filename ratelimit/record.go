package ratelimit

import (
	"time"
)

// Record tracks attempts for one key in the current window
type Record struct {
	Count       int
	WindowStart time.Time
}

// Admit applies the sliding-window rule to rec and returns the updated
// record and whether the attempt is permitted.
//
// A missing record, or one whose window has fully elapsed, is replaced by a
// fresh record with a count of one. Otherwise the count is incremented unless
// it has already reached maxAttempts, in which case rec is returned unchanged.
func Admit(rec Record, exists bool, now time.Time, maxAttempts int, window time.Duration) (Record, bool) {
	if !exists || !rec.Active(now, window) {
		return Record{Count: 1, WindowStart: now}, true
	}

	if rec.Count >= maxAttempts {
		return rec, false
	}

	rec.Count++
	return rec, true
}

// Active reports whether the record's window still applies at now. The window
// ends only once more than window has passed since it started.
func (r Record) Active(now time.Time, window time.Duration) bool {
	return now.Sub(r.WindowStart) <= window
}

// Remaining returns how long until the record's window elapses, or zero
func (r Record) Remaining(now time.Time, window time.Duration) time.Duration {
	d := r.WindowStart.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ceilMinutes rounds d up to whole minutes
func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
