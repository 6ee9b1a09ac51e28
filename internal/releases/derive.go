package releases

import (
	"fmt"
	"html"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/danielolaszy/relmark/internal/formatters"
	"github.com/danielolaszy/relmark/pkg/models"
)

const (
	// SeriesName names the marker series on the chart.
	SeriesName = "Releases"

	// DefaultColor is the theme's purple300.
	DefaultColor = "#6C5FC7"

	// DefaultOpacity keeps markers from hiding the plotted data.
	DefaultOpacity = 0.3
)

// Location is a navigation target inside the web application.
type Location struct {
	Path  string     `json:"path" yaml:"path"`
	Query url.Values `json:"query,omitempty" yaml:"query,omitempty"`
}

// Navigator performs navigation when an annotation is activated.
type Navigator interface {
	Navigate(Location)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Location)

// Navigate calls f(loc).
func (f NavigatorFunc) Navigate(loc Location) {
	f(loc)
}

// Annotation is a vertical marker line for one release.
type Annotation struct {
	XAxis    int64     `json:"xAxis" yaml:"xAxis"`
	Position time.Time `json:"position" yaml:"position"`
	Version  string    `json:"version" yaml:"version"`
	Name     string    `json:"name" yaml:"name"`
	Value    string    `json:"value" yaml:"value"`
	Label    string    `json:"label" yaml:"label"`
	Tooltip  string    `json:"tooltip" yaml:"tooltip"`
	Target   Location  `json:"target" yaml:"target"`

	navigator Navigator
}

// Activate navigates to the release detail page. It is a no-op without a navigator.
func (a Annotation) Activate() {
	if a.navigator != nil {
		a.navigator.Navigate(a.Target)
	}
}

// LineStyle describes how marker lines are drawn.
type LineStyle struct {
	Color   string  `json:"color" yaml:"color"`
	Opacity float64 `json:"opacity" yaml:"opacity"`
	Type    string  `json:"type" yaml:"type"`
}

// TooltipConfig tells the chart when to show annotation tooltips.
type TooltipConfig struct {
	Trigger string `json:"trigger" yaml:"trigger"`
}

// MarkLine holds the markers of a series.
type MarkLine struct {
	Animation bool          `json:"animation" yaml:"animation"`
	LineStyle LineStyle     `json:"lineStyle" yaml:"lineStyle"`
	Tooltip   TooltipConfig `json:"tooltip" yaml:"tooltip"`
	ShowLabel bool          `json:"showLabel" yaml:"showLabel"`
	Data      []Annotation  `json:"data" yaml:"data"`
}

// Series is a chart series with no data points of its own, only markers.
type Series struct {
	SeriesName string   `json:"seriesName" yaml:"seriesName"`
	Data       []any    `json:"data" yaml:"data"`
	MarkLine   MarkLine `json:"markLine" yaml:"markLine"`
}

// DeriveOptions is the static rendering configuration for Derive.
type DeriveOptions struct {
	// Organization scopes the navigation path and supplies feature flags.
	Organization models.Organization

	// CurrentQuery is the query of the page the chart is shown on. Its
	// "project" values are carried over to release links.
	CurrentQuery url.Values

	Navigator Navigator

	// TooltipFormatter replaces the default tooltip when set.
	TooltipFormatter func(Annotation) string

	Color   string
	Opacity float64

	// UTC renders tooltip dates in UTC instead of Location.
	UTC      bool
	Location *time.Location
}

// Derive builds the release marker series. It is a pure function of its
// arguments.
func Derive(releases []models.Release, opts DeriveOptions) Series {
	color := opts.Color
	if color == "" {
		color = DefaultColor
	}
	opacity := opts.Opacity
	if opacity == 0 {
		opacity = DefaultOpacity
	}

	data := make([]Annotation, 0, len(releases))
	for _, r := range releases {
		data = append(data, annotate(r, opts))
	}

	return Series{
		SeriesName: SeriesName,
		Data:       []any{},
		MarkLine: MarkLine{
			Animation: false,
			LineStyle: LineStyle{Color: color, Opacity: opacity, Type: "solid"},
			Tooltip:   TooltipConfig{Trigger: "item"},
			ShowLabel: false,
			Data:      data,
		},
	}
}

func annotate(r models.Release, opts DeriveOptions) Annotation {
	display := formatters.FormatVersion(r.Version, true)

	a := Annotation{
		XAxis:     r.Date.UnixMilli(),
		Position:  r.Date,
		Version:   r.Version,
		Name:      display,
		Value:     display,
		Label:     display,
		Target:    releaseLocation(r.Version, opts),
		navigator: opts.Navigator,
	}

	if opts.TooltipFormatter != nil {
		a.Tooltip = opts.TooltipFormatter(a)
	} else {
		a.Tooltip = defaultTooltip(r.Date, display, opts)
	}
	return a
}

func releaseLocation(version string, opts DeriveOptions) Location {
	loc := Location{
		Path: fmt.Sprintf("/organizations/%s/releases/%s/",
			url.PathEscape(opts.Organization.Slug), url.PathEscape(version)),
	}
	if opts.Organization.HasFeature(models.FeatureGlobalViews) {
		return loc
	}
	if projects := opts.CurrentQuery["project"]; len(projects) > 0 {
		loc.Query = url.Values{"project": slices.Clone(projects)}
	}
	return loc
}

func defaultTooltip(date time.Time, display string, opts DeriveOptions) string {
	when := formatters.FormatDate(date, formatters.TooltipDateLayout, formatters.DateOptions{
		Local:    !opts.UTC,
		Location: opts.Location,
	})

	return strings.Join([]string{
		`<div class="tooltip-series">`,
		`<div><span class="tooltip-label"><strong>Release</strong></span> ` + html.EscapeString(display) + `</div>`,
		`</div>`,
		`<div class="tooltip-date">`,
		html.EscapeString(when),
		`</div>`,
		`</div>`,
		`<div class="tooltip-arrow"></div>`,
	}, "")
}
