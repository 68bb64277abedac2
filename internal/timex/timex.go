// Package timex resolves natural-language time expressions into UTC
// [start, end] windows for time-filtered queries. Relative expressions
// (yesterday, last week, last N days) are handled with explicit rules;
// anything else falls through to the when parser for free-form dates.
package timex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// lastNPattern matches "last 3 weeks", "last-2-months", "last 10 days".
var lastNPattern = regexp.MustCompile(`^last[\s-](\d+)[\s-](day|week|month|year)s?$`)

var parser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// Resolve parses a time expression relative to now and returns the
// half-open window [start, end) it denotes, both in UTC. Expressions
// that cannot be interpreted return an error before any I/O happens.
func Resolve(expr string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	norm := strings.ToLower(strings.TrimSpace(expr))
	if norm == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("timex: empty time expression")
	}

	dayStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}

	switch norm {
	case "today":
		start := dayStart(now)
		return start, start.AddDate(0, 0, 1), nil
	case "yesterday":
		start := dayStart(now).AddDate(0, 0, -1)
		return start, start.AddDate(0, 0, 1), nil
	case "this week":
		start := startOfWeek(now)
		return start, start.AddDate(0, 0, 7), nil
	case "last week":
		start := startOfWeek(now).AddDate(0, 0, -7)
		return start, start.AddDate(0, 0, 7), nil
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	case "last month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		return start, start.AddDate(0, 1, 0), nil
	case "this year":
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	case "last year":
		start := time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	}

	if m := lastNPattern.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("timex: invalid count in %q", expr)
		}
		var start time.Time
		switch m[2] {
		case "day":
			start = now.AddDate(0, 0, -n)
		case "week":
			start = now.AddDate(0, 0, -7*n)
		case "month":
			start = now.AddDate(0, -n, 0)
		case "year":
			start = now.AddDate(-n, 0, 0)
		}
		return start, now, nil
	}

	// Free-form dates: "june 3rd", "3 days ago", "2024-01-15".
	result, err := parser.Parse(expr, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("timex: parse %q: %w", expr, err)
	}
	if result == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("timex: unrecognized time expression %q", expr)
	}

	point := result.Time.UTC()
	if point.After(now) {
		// A bare future date bounds a window ending there.
		return now, point, nil
	}
	// A past point in time means "from then until now".
	return point, now, nil
}

// startOfWeek returns 00:00 UTC of the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	day := dayStartUTC(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
