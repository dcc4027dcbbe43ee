// Package cron implements a minimal 5-field cron expression parser and
// evaluator: minute, hour, day-of-month, month, weekday.
//
// Weekday numbering follows ISO-ish convention with 0=Monday .. 6=Sunday.
//
// Supported field syntax, independently per field:
//   - exact values: 5
//   - wildcards: *
//   - ranges: 1-5
//   - lists: 1,3,5
//   - steps on a wildcard or range: */15, 1-30/5
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is an immutable parsed cron expression. Each field holds the
// set of matching values as a bitmask.
type Expression struct {
	minute  uint64 // 0-59
	hour    uint64 // 0-23
	day     uint64 // 1-31
	month   uint64 // 1-12
	weekday uint64 // 0-6, 0=Monday
}

// Parse parses a whitespace-separated 5-field cron string.
func Parse(expr string) (Expression, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return Expression{}, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(parts), expr)
	}

	var e Expression
	var err error
	if e.minute, err = parseField(parts[0], 0, 59); err != nil {
		return Expression{}, fmt.Errorf("minute field: %w", err)
	}
	if e.hour, err = parseField(parts[1], 0, 23); err != nil {
		return Expression{}, fmt.Errorf("hour field: %w", err)
	}
	if e.day, err = parseField(parts[2], 1, 31); err != nil {
		return Expression{}, fmt.Errorf("day field: %w", err)
	}
	if e.month, err = parseField(parts[3], 1, 12); err != nil {
		return Expression{}, fmt.Errorf("month field: %w", err)
	}
	if e.weekday, err = parseField(parts[4], 0, 6); err != nil {
		return Expression{}, fmt.Errorf("weekday field: %w", err)
	}
	return e, nil
}

// parseField parses one cron field into a bitmask of valid values.
func parseField(field string, minVal, maxVal int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		step := 1
		if base, stepStr, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(stepStr)
			if err != nil {
				return 0, fmt.Errorf("invalid step %q", stepStr)
			}
			if n < 1 {
				return 0, fmt.Errorf("step must be >= 1, got %d", n)
			}
			step = n
			part = base
		}

		switch {
		case part == "*":
			for v := minVal; v <= maxVal; v += step {
				mask |= 1 << uint(v)
			}
		case strings.Contains(part, "-"):
			lowStr, highStr, _ := strings.Cut(part, "-")
			low, err := strconv.Atoi(lowStr)
			if err != nil {
				return 0, fmt.Errorf("invalid range bound %q", lowStr)
			}
			high, err := strconv.Atoi(highStr)
			if err != nil {
				return 0, fmt.Errorf("invalid range bound %q", highStr)
			}
			if low < minVal || high > maxVal || low > high {
				return 0, fmt.Errorf("range %d-%d out of bounds [%d-%d]", low, high, minVal, maxVal)
			}
			for v := low; v <= high; v += step {
				mask |= 1 << uint(v)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			if v < minVal || v > maxVal {
				return 0, fmt.Errorf("value %d out of bounds [%d-%d]", v, minVal, maxVal)
			}
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

// maxScanMinutes bounds Next's forward scan to roughly 4 years, which
// covers every satisfiable day/month/weekday combination.
const maxScanMinutes = 366 * 24 * 60 * 4

// Next returns the earliest minute-aligned time strictly after the given
// time whose minute, hour, day, month and weekday all match the expression.
//
// Self-contradictory expressions (e.g. day 31 in February) exhaust the scan
// window and return an error rather than silently wrapping.
func (e Expression) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxScanMinutes; i++ {
		if e.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within 4 years after %s", after.Format(time.RFC3339))
}

func (e Expression) matches(t time.Time) bool {
	return e.month&(1<<uint(t.Month())) != 0 &&
		e.day&(1<<uint(t.Day())) != 0 &&
		e.weekday&(1<<uint(mondayWeekday(t))) != 0 &&
		e.hour&(1<<uint(t.Hour())) != 0 &&
		e.minute&(1<<uint(t.Minute())) != 0
}

// mondayWeekday converts Go's Sunday=0 weekday to the 0=Monday convention.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
