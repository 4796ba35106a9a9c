package records

import (
	"fmt"
	"strings"
	"time"
)

// Interval is the granularity of an interval bucket. Buckets are aligned in UTC.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ParseInterval accepts the interval names and their adjective forms ("daily").
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return IntervalDay, nil
	case "week", "weekly":
		return IntervalWeek, nil
	case "month", "monthly":
		return IntervalMonth, nil
	case "year", "yearly":
		return IntervalYear, nil
	default:
		return "", fmt.Errorf("unknown interval %q", s)
	}
}

// Truncate returns the start of the bucket containing t. Weeks start on Monday.
func (i Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch i {
	case IntervalWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case IntervalYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Next returns the start of the bucket following the one starting at start.
func (i Interval) Next(start time.Time) time.Time {
	switch i {
	case IntervalWeek:
		return start.AddDate(0, 0, 7)
	case IntervalMonth:
		return start.AddDate(0, 1, 0)
	case IntervalYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Bucket is one half-open time range [Start, End).
type Bucket struct {
	Interval Interval
	Start    time.Time
	End      time.Time
}

// Buckets enumerates every bucket overlapping [from, to). The first bucket is
// aligned down, so a range starting mid-day still covers the whole day.
func (i Interval) Buckets(from, to time.Time) []Bucket {
	var out []Bucket
	if !from.Before(to) {
		return out
	}
	for start := i.Truncate(from); start.Before(to); start = i.Next(start) {
		out = append(out, Bucket{Interval: i, Start: start, End: i.Next(start)})
	}
	return out
}
