package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule computes cron fire instants. All instants are Unix milliseconds
// in UTC so every instance agrees on them.
type Schedule interface {
	// Next returns the first fire instant strictly after the given one.
	Next(after int64) int64
	String() string
}

// ParseSchedule parses one of:
//
//	daily HH:MM     every day at HH:MM UTC
//	hourly MM       every hour at minute MM
//	monthly D       day D of every month at 00:00 UTC (clamped to month end)
//	every N{s,m,h}  every N units, aligned to the Unix epoch
func ParseSchedule(spec string) (Schedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != 2 {
		return nil, fmt.Errorf("schedule %q: expected \"<kind> <arg>\"", spec)
	}
	switch parts[0] {
	case "daily":
		hh, mm, ok := strings.Cut(parts[1], ":")
		if !ok {
			return nil, fmt.Errorf("schedule %q: daily needs HH:MM", spec)
		}
		h, err := boundedInt(hh, 0, 23)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: hour: %w", spec, err)
		}
		m, err := boundedInt(mm, 0, 59)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: minute: %w", spec, err)
		}
		return daily{hour: h, minute: m}, nil
	case "hourly":
		m, err := boundedInt(parts[1], 0, 59)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: minute: %w", spec, err)
		}
		return hourly{minute: m}, nil
	case "monthly":
		d, err := boundedInt(parts[1], 1, 31)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: day: %w", spec, err)
		}
		return monthly{day: d}, nil
	case "every":
		d, err := time.ParseDuration(parts[1])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		if d < time.Second || d%time.Second != 0 {
			return nil, fmt.Errorf("schedule %q: interval must be whole seconds >= 1s", spec)
		}
		return every{ms: d.Milliseconds()}, nil
	default:
		return nil, fmt.Errorf("schedule %q: unknown kind %q", spec, parts[0])
	}
}

func boundedInt(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

type daily struct{ hour, minute int }

func (s daily) Next(after int64) int64 {
	t := time.UnixMilli(after).UTC()
	c := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if c.UnixMilli() <= after {
		c = c.AddDate(0, 0, 1)
	}
	return c.UnixMilli()
}

func (s daily) String() string { return fmt.Sprintf("daily %02d:%02d", s.hour, s.minute) }

type hourly struct{ minute int }

func (s hourly) Next(after int64) int64 {
	t := time.UnixMilli(after).UTC()
	c := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), s.minute, 0, 0, time.UTC)
	if c.UnixMilli() <= after {
		c = c.Add(time.Hour)
	}
	return c.UnixMilli()
}

func (s hourly) String() string { return fmt.Sprintf("hourly %d", s.minute) }

type monthly struct{ day int }

func (s monthly) Next(after int64) int64 {
	t := time.UnixMilli(after).UTC()
	for i := 0; i < 3; i++ {
		first := time.Date(t.Year(), t.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		c := first.AddDate(0, 0, min(s.day, daysIn(first))-1)
		if c.UnixMilli() > after {
			return c.UnixMilli()
		}
	}
	// Unreachable: a later month always qualifies within three tries.
	return after + 1
}

func (s monthly) String() string { return fmt.Sprintf("monthly %d", s.day) }

func daysIn(first time.Time) int {
	return first.AddDate(0, 1, -1).Day()
}

type every struct{ ms int64 }

func (s every) Next(after int64) int64 {
	if after < 0 {
		return 0
	}
	return (after/s.ms + 1) * s.ms
}

func (s every) String() string {
	return "every " + (time.Duration(s.ms) * time.Millisecond).String()
}
