package releases

import (
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/danielolaszy/relmark/internal/formatters"
)

// FilterCriteria selects the releases to fetch. Period and Start/End are
// alternatives; setting both is the caller's responsibility.
type FilterCriteria struct {
	Projects     []int
	Environments []string
	Period       string
	Start        *time.Time
	End          *time.Time
	UTC          bool
}

// Equal reports whether c and other select the same releases. Projects and
// environments compare as sets. UTC only affects rendering and is ignored.
func (c FilterCriteria) Equal(other FilterCriteria) bool {
	return slices.Equal(sortedInts(c.Projects), sortedInts(other.Projects)) &&
		slices.Equal(sortedStrings(c.Environments), sortedStrings(other.Environments)) &&
		sameTime(c.Start, other.Start) &&
		sameTime(c.End, other.End) &&
		c.Period == other.Period
}

// QueryParams maps the criteria to release-stats query parameters. Empty
// values are omitted.
func QueryParams(c FilterCriteria) url.Values {
	query := url.Values{}

	if c.Start != nil && !c.Start.IsZero() {
		query.Set("start", formatters.UTCDateString(*c.Start))
	}
	if c.End != nil && !c.End.IsZero() {
		query.Set("end", formatters.UTCDateString(*c.End))
	}
	for _, id := range sortedInts(c.Projects) {
		query.Add("project", strconv.Itoa(id))
	}
	for _, env := range sortedStrings(c.Environments) {
		if env != "" {
			query.Add("environment", env)
		}
	}
	if c.Period != "" {
		query.Set("statsPeriod", c.Period)
	}

	return query
}

// CanonicalKey serializes a query independently of key and value order.
func CanonicalKey(query url.Values) string {
	sorted := make(url.Values, len(query))
	for k, vals := range query {
		if len(vals) == 0 {
			continue
		}
		sorted[k] = sortedStrings(vals)
	}
	// Encode orders keys
	return sorted.Encode()
}

func sortedInts(in []int) []int {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func sortedStrings(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
