package ratelimit

import "time"

// WindowStart returns the start of the fixed, wall-clock aligned window that
// contains now: floor(now/window)*window since the Unix epoch.
func WindowStart(now time.Time, windowSeconds int64) time.Time {
	if windowSeconds <= 0 {
		return now.UTC()
	}
	sec := now.Unix()
	start := sec - mod(sec, windowSeconds)
	return time.Unix(start, 0).UTC()
}

// WindowBounds returns [start, end) of the window containing now.
func WindowBounds(now time.Time, windowSeconds int64) (time.Time, time.Time) {
	start := WindowStart(now, windowSeconds)
	return start, start.Add(time.Duration(windowSeconds) * time.Second)
}

// mod is the non-negative remainder, so pre-epoch times still floor downward.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
