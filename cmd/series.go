package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/danielolaszy/relmark/internal/config"
	"github.com/danielolaszy/relmark/internal/github"
	"github.com/danielolaszy/relmark/internal/jira"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/internal/releases"
	"github.com/danielolaszy/relmark/internal/sentry"
	"github.com/danielolaszy/relmark/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	sourceSentry = "sentry"
	sourceGitHub = "github"
	sourceJira   = "jira"
)

var seriesCmd = newSeriesCmd()

// seriesOptions holds the parsed flags of the series command.
type seriesOptions struct {
	org             string
	projects        []int
	environments    []string
	period          string
	start           string
	end             string
	utc             bool
	memoized        bool
	source          string
	repository      string
	jiraProject     string
	currentProjects []string
	globalViews     bool
	output          string
	activate        string
}

func newSeriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Fetch releases and print the release marker series",
		Long: `Fetch every page of releases matching the filter and print the release
marker series derived from them.

Each published page is logged as it arrives. When the last page has been
received the final state is printed in the selected output format.

Examples:
  relmark series --org acme --project 1 --project 2 --period 14d
  relmark series --org acme --start 2024-03-01 --end 2024-03-15 --utc -o json
  relmark series --source github --repo acme/web --period 30d
  relmark series --source jira --jira-project WEB -o yaml
  relmark series --org acme --period 7d --activate web@1.2.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readSeriesOptions(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			source, org, err := newSource(cfg, opts)
			if err != nil {
				return err
			}

			return runSeries(cmd.Context(), source, org, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("org", "", "Organization slug (defaults to SENTRY_ORG)")
	flags.IntSlice("project", nil, "Project ID to filter by (repeatable)")
	flags.StringArray("environment", nil, "Environment to filter by (repeatable)")
	flags.String("period", "", "Relative period such as 24h or 14d")
	flags.String("start", "", "Range start (RFC3339 or 2006-01-02)")
	flags.String("end", "", "Range end (RFC3339 or 2006-01-02)")
	flags.Bool("utc", false, "Render tooltip dates in UTC")
	flags.Bool("memoized", false, "Deduplicate identical page requests")
	flags.String("source", sourceSentry, "Release source (sentry, github, jira)")
	flags.String("repo", "", "GitHub repository for the github source (e.g., 'owner/repo')")
	flags.String("jira-project", "", "JIRA project key for the jira source")
	flags.StringArray("current-project", nil, "Project of the current page, carried over to release links (repeatable)")
	flags.Bool("global-views", false, "Organization has the global-views feature")
	flags.StringP("output", "o", "text", "Output format (text, json, yaml)")
	flags.String("activate", "", "Activate the marker of this release and print where it navigates")

	return cmd
}

func readSeriesOptions(cmd *cobra.Command) (seriesOptions, error) {
	var opts seriesOptions
	var err error
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"org":          &opts.org,
		"period":       &opts.period,
		"start":        &opts.start,
		"end":          &opts.end,
		"source":       &opts.source,
		"repo":         &opts.repository,
		"jira-project": &opts.jiraProject,
		"output":       &opts.output,
		"activate":     &opts.activate,
	}
	for name, dst := range stringFlags {
		if *dst, err = flags.GetString(name); err != nil {
			return opts, err
		}
	}

	boolFlags := map[string]*bool{
		"utc":          &opts.utc,
		"memoized":     &opts.memoized,
		"global-views": &opts.globalViews,
	}
	for name, dst := range boolFlags {
		if *dst, err = flags.GetBool(name); err != nil {
			return opts, err
		}
	}

	if opts.projects, err = flags.GetIntSlice("project"); err != nil {
		return opts, err
	}
	if opts.environments, err = flags.GetStringArray("environment"); err != nil {
		return opts, err
	}
	if opts.currentProjects, err = flags.GetStringArray("current-project"); err != nil {
		return opts, err
	}

	switch opts.output {
	case "text", "json", "yaml":
	default:
		return opts, fmt.Errorf("unsupported output format %q, expected text, json or yaml", opts.output)
	}

	return opts, nil
}

// criteria builds the filter criteria selected by the flags.
func (o seriesOptions) criteria() (releases.FilterCriteria, error) {
	c := releases.FilterCriteria{
		Projects:     o.projects,
		Environments: o.environments,
		Period:       o.period,
		UTC:          o.utc,
	}

	if o.period != "" && (o.start != "" || o.end != "") {
		return c, fmt.Errorf("--period cannot be combined with --start or --end")
	}

	var err error
	if c.Start, err = parseTime(o.start); err != nil {
		return c, fmt.Errorf("invalid --start: %w", err)
	}
	if c.End, err = parseTime(o.end); err != nil {
		return c, fmt.Errorf("invalid --end: %w", err)
	}
	if c.Start != nil && c.End != nil && c.End.Before(*c.Start) {
		return c, fmt.Errorf("--end must not be before --start")
	}

	return c, nil
}

// parseTime accepts RFC3339 timestamps and plain dates (midnight UTC).
func parseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", value)
}

func (o seriesOptions) organization(cfg *config.Config) models.Organization {
	slug := o.org
	if slug == "" {
		switch o.source {
		case sourceGitHub:
			slug, _, _ = strings.Cut(o.repository, "/")
		case sourceJira:
			slug = strings.ToLower(o.jiraProject)
		default:
			slug = cfg.Sentry.Organization
		}
	}

	org := models.Organization{Slug: slug}
	if o.globalViews {
		org.Features = append(org.Features, models.FeatureGlobalViews)
	}
	return org
}

// newSource creates the release source selected by --source.
func newSource(cfg *config.Config, opts seriesOptions) (releases.Source, models.Organization, error) {
	org := opts.organization(cfg)

	switch opts.source {
	case sourceSentry:
		cfg.Sentry.Organization = org.Slug
		client, err := sentry.NewClient(cfg)
		if err != nil {
			return nil, org, fmt.Errorf("failed to initialize sentry client: %w", err)
		}
		return client, org, nil
	case sourceGitHub:
		if opts.repository == "" {
			return nil, org, fmt.Errorf("--repo is required for the github source")
		}
		client, err := github.NewClient(cfg, opts.repository)
		if err != nil {
			return nil, org, fmt.Errorf("failed to initialize github client: %w", err)
		}
		return client, org, nil
	case sourceJira:
		client, err := jira.NewClient(cfg, opts.jiraProject)
		if err != nil {
			return nil, org, fmt.Errorf("failed to initialize jira client: %w", err)
		}
		return client, org, nil
	default:
		return nil, org, fmt.Errorf("unsupported source %q, expected sentry, github or jira", opts.source)
	}
}

// failureNotifier logs notifications and remembers that one was raised.
type failureNotifier struct {
	failed atomic.Bool
}

func (n *failureNotifier) Error(msg string) {
	n.failed.Store(true)
	releases.LogNotifier{}.Error(msg)
}

// runSeries fetches every page from source and writes the final state to out.
func runSeries(ctx context.Context, source releases.Source, org models.Organization, opts seriesOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	criteria, err := opts.criteria()
	if err != nil {
		return err
	}

	var current url.Values
	if len(opts.currentProjects) > 0 {
		current = url.Values{"project": opts.currentProjects}
	}

	notifier := &failureNotifier{}
	provider := releases.NewProvider(source, releases.ProviderOptions{
		Organization: org,
		Criteria:     criteria,
		Memoized:     opts.memoized,
		Notifier:     notifier,
		Derive: releases.DeriveOptions{
			Organization: org,
			CurrentQuery: current,
			Navigator:    printNavigator(out),
			Location:     time.Local,
		},
		Render: func(state releases.State) {
			if state.Releases == nil {
				logging.Debug("release series reset", "organization", org.Slug)
				return
			}
			logging.Info("release series published",
				"organization", org.Slug,
				"releases", len(state.Releases))
		},
	})

	logging.Info("fetching releases",
		"source", opts.source,
		"organization", org.Slug,
		"projects", opts.projects,
		"environments", opts.environments,
		"period", opts.period)

	provider.Start(ctx)
	provider.Wait()
	state := provider.State()
	provider.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if notifier.failed.Load() {
		return errors.New(releases.ErrorFetchingReleases)
	}

	if opts.activate != "" {
		return activate(state, opts.activate)
	}

	return writeState(out, state, opts.output)
}

// printNavigator writes each navigation target to w.
func printNavigator(w io.Writer) releases.Navigator {
	return releases.NavigatorFunc(func(loc releases.Location) {
		target := loc.Path
		if len(loc.Query) > 0 {
			target += "?" + loc.Query.Encode()
		}
		fmt.Fprintf(w, "navigate %s\n", target)
	})
}

func activate(state releases.State, version string) error {
	for _, series := range state.ReleaseSeries {
		for _, a := range series.MarkLine.Data {
			if a.Version == version {
				a.Activate()
				return nil
			}
		}
	}
	return fmt.Errorf("release %s not found", version)
}

func writeState(w io.Writer, state releases.State, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "yaml":
		// Go through JSON so release payload fields keep their wire names
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		return enc.Close()
	default:
		return writeText(w, state)
	}
}

func writeText(w io.Writer, state releases.State) error {
	color.New(color.Bold).Fprintf(w, "%d releases\n", len(state.Releases))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDATE\tLINK")
	for _, series := range state.ReleaseSeries {
		for _, a := range series.MarkLine.Data {
			link := a.Target.Path
			if len(a.Target.Query) > 0 {
				link += "?" + a.Target.Query.Encode()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Label, a.Position.UTC().Format(time.RFC3339), link)
		}
	}
	return tw.Flush()
}
