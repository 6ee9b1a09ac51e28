// Package jira provides the fix versions of a JIRA project as a release source.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"github.com/danielolaszy/relmark/internal/config"
	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/internal/timewindow"
	"github.com/danielolaszy/relmark/pkg/models"
)

// releaseDateLayout is how JIRA reports version release dates.
const releaseDateLayout = "2006-01-02"

// Client handles interactions with the JIRA API
type Client struct {
	client     *jira.Client
	projectKey string
	now        func() time.Time
}

// NewClient creates a new JIRA client reading versions of projectKey.
func NewClient(cfg *config.Config, projectKey string) (*Client, error) {
	if err := config.ValidateJiraConfig(cfg); err != nil {
		return nil, err
	}
	if projectKey == "" {
		return nil, fmt.Errorf("jira project key is required")
	}

	logging.Info("jira configuration",
		"url", cfg.Jira.URL,
		"username", cfg.Jira.Username,
		"token", logging.MaskSensitive(cfg.Jira.Token),
		"project", projectKey)

	tp := jira.BasicAuthTransport{
		Username: cfg.Jira.Username,
		Password: cfg.Jira.Token,
	}

	return newClient(tp.Client(), cfg.Jira.URL, projectKey)
}

func newClient(httpClient *http.Client, baseURL, projectKey string) (*Client, error) {
	client, err := jira.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JIRA client: %w", err)
	}

	return &Client{client: client, projectKey: projectKey, now: time.Now}, nil
}

// ListReleases returns the project's dated, already released versions that
// fall within the query window. JIRA returns all versions at once, so there
// is never a next page.
func (c *Client) ListReleases(ctx context.Context, _ models.Organization, query url.Values) ([]models.Release, linkheader.Links, error) {
	if c.client == nil {
		return nil, nil, fmt.Errorf("JIRA client not initialized")
	}

	now := c.now()
	window, err := timewindow.FromQuery(query, now)
	if err != nil {
		return nil, nil, err
	}

	project, resp, err := c.client.Project.GetWithContext(ctx, c.projectKey)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, nil, fmt.Errorf("failed to fetch JIRA project %s: %w (status: %d)", c.projectKey, err, status)
	}

	var result []models.Release
	for _, v := range project.Versions {
		if v.ReleaseDate == "" {
			continue
		}
		date, err := time.ParseInLocation(releaseDateLayout, v.ReleaseDate, time.UTC)
		if err != nil {
			logging.Warn("skipping jira version with invalid release date",
				"project", c.projectKey,
				"version", v.Name,
				"release_date", v.ReleaseDate)
			continue
		}
		// Planned versions carry a future release date
		if date.After(now) || !window.Contains(date) {
			continue
		}
		result = append(result, toRelease(v, date))
	}

	logging.Debug("fetched jira versions",
		"project", c.projectKey,
		"total", len(project.Versions),
		"count", len(result))

	return result, linkheader.Links{}, nil
}

func toRelease(v jira.Version, date time.Time) models.Release {
	extra := map[string]json.RawMessage{}
	for key, value := range map[string]string{
		"id":          v.ID,
		"description": v.Description,
	} {
		if value == "" {
			continue
		}
		if raw, err := json.Marshal(value); err == nil {
			extra[key] = raw
		}
	}

	return models.Release{
		Version: v.Name,
		Date:    date,
		Extra:   extra,
	}
}
