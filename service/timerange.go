package service

import (
	"fmt"
	"time"
)

var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeRange maps a shorthand like "24h" to the window
// [now-24h, now). "all" yields a zero lower bound. An empty value
// defaults to "24h".
func ParseTimeRange(s string, now time.Time) (from, to time.Time, err error) {
	if s == "" {
		s = "24h"
	}
	if s == "all" {
		return time.Time{}, now, nil
	}
	d, ok := timeRanges[s]
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("unknown time range %q", s)
	}
	return now.Add(-d), now, nil
}
