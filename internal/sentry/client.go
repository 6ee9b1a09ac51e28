// Package sentry provides an HTTP client for the organization-scoped Sentry
// web API, used to page through release statistics.
package sentry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielolaszy/relmark/internal/config"
	"github.com/danielolaszy/relmark/internal/linkheader"
	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/danielolaszy/relmark/pkg/models"
	"golang.org/x/oauth2"
)

// Client issues requests against a Sentry-compatible API. It is safe for
// concurrent use by several providers.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) == "" {
			return
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(token)})
		base := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		c.httpClient = oauth2.NewClient(base, ts)
	}
}

// New constructs a Client for the API rooted at base, e.g. "https://sentry.io".
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = config.DefaultSentryURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid sentry url: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClient creates a client from loaded configuration.
func NewClient(cfg *config.Config) (*Client, error) {
	if err := config.ValidateSentryConfig(cfg); err != nil {
		return nil, err
	}

	logging.Info("sentry configuration",
		"url", cfg.Sentry.URL,
		"organization", cfg.Sentry.Organization,
		"token", logging.MaskSensitive(cfg.Sentry.Token))

	return New(cfg.Sentry.URL, WithToken(cfg.Sentry.Token))
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sentry request failed with status %d", e.Status)
	}
	return fmt.Sprintf("sentry request failed (%d): %s", e.Status, e.Message)
}

// Response is a successful API response with its metadata.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Request performs method on path (relative to /api/0) with the query and
// returns the full response. Status codes >= 400 yield an APIError.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint := c.baseURL + "/api/0" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, APIError{Status: resp.StatusCode, Message: extractError(body)}
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// ListReleases fetches one page of release statistics for the organization.
func (c *Client) ListReleases(ctx context.Context, org models.Organization, query url.Values) ([]models.Release, linkheader.Links, error) {
	if org.Slug == "" {
		return nil, nil, fmt.Errorf("organization slug is required")
	}

	path := fmt.Sprintf("/organizations/%s/releases/stats/", url.PathEscape(org.Slug))
	resp, err := c.Request(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, nil, err
	}

	var releases []models.Release
	if err := json.Unmarshal(resp.Body, &releases); err != nil {
		return nil, nil, fmt.Errorf("decode releases: %w", err)
	}

	logging.Debug("fetched release page",
		"organization", org.Slug,
		"count", len(releases),
		"cursor", query.Get("cursor"))

	return releases, linkheader.Parse(resp.Header.Get("Link")), nil
}

func extractError(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(payload.Error)
}
