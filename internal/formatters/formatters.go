// Package formatters turns raw release data into display strings.
package formatters

import (
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
)

const (
	// TooltipDateLayout renders "Mar 4, 2024 1:05 PM".
	TooltipDateLayout = "Jan 2, 2006 3:04 PM"

	// UTCDateLayout is the canonical form used for start/end query parameters.
	UTCDateLayout = "2006-01-02T15:04:05"

	shortHashLength = 12
)

var commitHashPattern = regexp.MustCompile(`^[a-f0-9]{40}$`)

// FormatVersion returns the display form of a release identifier.
//
// Identifiers follow "package@version+build". A semantic version is shown as
// "1.2.3 (build)", a full commit SHA is shortened to 12 characters and
// anything else is kept as is. With withPackage set the package name is
// appended after a comma when present.
func FormatVersion(raw string, withPackage bool) string {
	pkg, ver := splitPackage(raw)
	if ver == "" {
		return raw
	}

	display := describe(ver)
	if display == "" {
		return raw
	}
	if withPackage && pkg != "" {
		return display + ", " + pkg
	}
	return display
}

func splitPackage(raw string) (string, string) {
	idx := strings.Index(raw, "@")
	if idx <= 0 {
		return "", raw
	}
	return raw[:idx], raw[idx+1:]
}

func describe(ver string) string {
	if commitHashPattern.MatchString(ver) {
		return ver[:shortHashLength]
	}

	v, err := version.NewVersion(ver)
	if err != nil {
		return ver
	}

	core := ver
	if i := strings.Index(ver, "+"); i >= 0 {
		core = ver[:i]
	}
	if build := v.Metadata(); build != "" {
		return core + " (" + build + ")"
	}
	return core
}

// DateOptions controls the timezone used by FormatDate.
type DateOptions struct {
	// Local renders in Location (or time.Local) instead of UTC.
	Local bool
	// Location overrides time.Local for local rendering.
	Location *time.Location
}

// FormatDate renders t with a Go layout in UTC or in the local timezone.
func FormatDate(t time.Time, layout string, opts DateOptions) string {
	if !opts.Local {
		return t.UTC().Format(layout)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(layout)
}

// UTCDateString renders t as a UTC timestamp without offset, e.g. "2024-03-04T13:05:00".
func UTCDateString(t time.Time) string {
	return t.UTC().Format(UTCDateLayout)
}
