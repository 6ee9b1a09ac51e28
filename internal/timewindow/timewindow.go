// Package timewindow resolves the statsPeriod, start and end query
// parameters into an absolute time range, for release sources that cannot
// filter server side.
package timewindow

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/danielolaszy/relmark/internal/formatters"
)

var periodPattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

// Window is a time range. A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod parses a relative period such as "30m", "24h", "14d" or "2w".
func ParsePeriod(period string) (time.Duration, error) {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return 0, fmt.Errorf("invalid period %q", period)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", period, err)
	}

	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// FromQuery builds the window selected by a release query. statsPeriod is
// relative to now; start and end use the canonical UTC layout.
func FromQuery(query url.Values, now time.Time) (Window, error) {
	var w Window

	if period := query.Get("statsPeriod"); period != "" {
		d, err := ParsePeriod(period)
		if err != nil {
			return Window{}, err
		}
		w.Start = now.Add(-d)
		w.End = now
	}

	for key, bound := range map[string]*time.Time{"start": &w.Start, "end": &w.End} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.ParseInLocation(formatters.UTCDateLayout, raw, time.UTC)
		if err != nil {
			return Window{}, fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		*bound = t
	}

	return w, nil
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Before reports whether t is earlier than the window's start.
func (w Window) Before(t time.Time) bool {
	return !w.Start.IsZero() && t.Before(w.Start)
}
