// Package github provides GitHub Releases as a release source.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielolaszy/relmark/internal/config"
	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/internal/timewindow"
	"github.com/danielolaszy/relmark/pkg/models"
	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"
)

const perPage = 100

// Client lists the releases of one repository.
type Client struct {
	client   *github.Client
	owner    string
	repo     string
	now      func() time.Time
}

// apiURLForDomain returns the REST endpoint for github.com or an Enterprise host.
func apiURLForDomain(domain string) string {
	if domain == "" || domain == "github.com" {
		return "https://api.github.com/"
	}
	return fmt.Sprintf("https://%s/api/v3/", domain)
}

// splitRepository parses "owner/repo".
func splitRepository(repository string) (string, string, error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format: %s, expected format: owner/repo", repository)
	}
	return parts[0], parts[1], nil
}

// NewClient creates a GitHub client for repository ("owner/repo") using the
// loaded configuration, and verifies the token.
func NewClient(cfg *config.Config, repository string) (*Client, error) {
	if err := config.ValidateGitHubConfig(cfg); err != nil {
		return nil, err
	}

	apiURL := apiURLForDomain(cfg.GitHub.Domain)
	logging.Info("github configuration",
		"domain", cfg.GitHub.Domain,
		"api_url", apiURL,
		"token", logging.MaskSensitive(cfg.GitHub.Token))

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cfg.GitHub.Token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	c, err := newClient(tc, apiURL, repository)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logging.Error("failed to test github token",
			"error", err,
			"status_code", status)
		return nil, fmt.Errorf("error testing github token: %w", err)
	}

	logging.Info("github authentication successful",
		"username", user.GetLogin())

	return c, nil
}

func newClient(httpClient *http.Client, apiURL, repository string) (*Client, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid github api url: %w", err)
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client := github.NewClient(httpClient)
	client.BaseURL = parsedURL
	client.UploadURL = parsedURL

	return &Client{client: client, owner: owner, repo: repo, now: time.Now}, nil
}

// ListReleases returns one page of published releases. The cursor is the
// GitHub page number. Period and range parameters are applied to the
// publication date; project and environment do not apply to a repository.
func (c *Client) ListReleases(ctx context.Context, _ models.Organization, query url.Values) ([]models.Release, linkheader.Links, error) {
	window, err := timewindow.FromQuery(query, c.now())
	if err != nil {
		return nil, nil, err
	}

	page := 1
	if cursor := query.Get("cursor"); cursor != "" {
		page, err = strconv.Atoi(cursor)
		if err != nil || page < 1 {
			return nil, nil, fmt.Errorf("invalid github page cursor %q", cursor)
		}
	}

	opts := &github.ListOptions{Page: page, PerPage: perPage}
	releases, resp, err := c.client.Repositories.ListReleases(ctx, c.owner, c.repo, opts)
	if err != nil {
		logging.Error("failed to fetch github releases",
			"repository", c.owner+"/"+c.repo,
			"page", page,
			"error", err)
		return nil, nil, fmt.Errorf("failed to fetch GitHub releases: %w", err)
	}

	result := make([]models.Release, 0, len(releases))
	published, older := 0, 0
	for _, rel := range releases {
		// Drafts have no publication date
		if rel.PublishedAt == nil {
			continue
		}
		published++
		at := rel.GetPublishedAt().Time
		if window.Before(at) {
			older++
			continue
		}
		if !window.Contains(at) {
			continue
		}
		result = append(result, toRelease(rel))
	}
	// GitHub lists releases by creation date, so an old publication date on
	// its own does not end the listing. A page published entirely before
	// the window does.
	exhausted := published > 0 && older == published

	next := resp.NextPage
	links := linkheader.Links{
		"next": {
			Rel:     "next",
			Cursor:  strconv.Itoa(next),
			Results: next != 0 && !exhausted,
		},
	}

	logging.Debug("fetched github release page",
		"repository", c.owner+"/"+c.repo,
		"page", page,
		"count", len(result),
		"next_page", next)

	return result, links, nil
}

func toRelease(rel *github.RepositoryRelease) models.Release {
	extra := map[string]json.RawMessage{}
	for key, value := range map[string]any{
		"name":       rel.GetName(),
		"url":        rel.GetHTMLURL(),
		"prerelease": rel.GetPrerelease(),
	} {
		if raw, err := json.Marshal(value); err == nil {
			extra[key] = raw
		}
	}

	return models.Release{
		Version: rel.GetTagName(),
		Date:    rel.GetPublishedAt().Time,
		Extra:   extra,
	}
}
