// Package config provides centralized configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultSentryURL is used when SENTRY_URL is not set.
const DefaultSentryURL = "https://sentry.io"

// Config holds all configuration parameters for the application.
type Config struct {
	Sentry SentryConfig
	GitHub GitHubConfig
	Jira   JiraConfig
}

// SentryConfig holds configuration for the Sentry release-stats API.
type SentryConfig struct {
	URL          string
	Token        string
	Organization string
}

// GitHubConfig holds GitHub specific configuration.
type GitHubConfig struct {
	Token  string
	Domain string
}

// JiraConfig holds JIRA specific configuration.
type JiraConfig struct {
	URL      string
	Username string
	Token    string
}

// LoadConfig initializes and loads configuration from environment variables
// and, if RELMARK_CONFIG points to a file, from that file. Environment
// variables win over file values.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("sentry.url", DefaultSentryURL)
	v.SetDefault("github.domain", "github.com")

	bindings := map[string]string{
		"sentry.url":    "SENTRY_URL",
		"sentry.token":  "SENTRY_TOKEN",
		"sentry.org":    "SENTRY_ORG",
		"github.token":  "GITHUB_TOKEN",
		"github.domain": "GITHUB_DOMAIN",
		"jira.url":      "JIRA_URL",
		"jira.username": "JIRA_USERNAME",
		"jira.token":    "JIRA_TOKEN",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("RELMARK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{
		Sentry: SentryConfig{
			URL:          strings.TrimRight(v.GetString("sentry.url"), "/"),
			Token:        v.GetString("sentry.token"),
			Organization: v.GetString("sentry.org"),
		},
		GitHub: GitHubConfig{
			Token:  v.GetString("github.token"),
			Domain: v.GetString("github.domain"),
		},
		Jira: JiraConfig{
			URL:      v.GetString("jira.url"),
			Username: v.GetString("jira.username"),
			Token:    v.GetString("jira.token"),
		},
	}

	// An empty GITHUB_DOMAIN binding overrides the default
	if config.GitHub.Domain == "" {
		config.GitHub.Domain = "github.com"
	}
	if config.Sentry.URL == "" {
		config.Sentry.URL = DefaultSentryURL
	}

	return config, nil
}

// ValidateSentryConfig validates Sentry-specific configuration.
func ValidateSentryConfig(config *Config) error {
	var missingVars []string

	if config.Sentry.Token == "" {
		missingVars = append(missingVars, "SENTRY_TOKEN")
	}
	if config.Sentry.Organization == "" {
		missingVars = append(missingVars, "SENTRY_ORG")
	}

	return missing(missingVars)
}

// ValidateGitHubConfig validates GitHub-specific configuration.
func ValidateGitHubConfig(config *Config) error {
	var missingVars []string

	if config.GitHub.Token == "" {
		missingVars = append(missingVars, "GITHUB_TOKEN")
	}

	return missing(missingVars)
}

// ValidateJiraConfig validates JIRA-specific configuration.
func ValidateJiraConfig(config *Config) error {
	var missingVars []string

	if config.Jira.URL == "" {
		missingVars = append(missingVars, "JIRA_URL")
	}
	if config.Jira.Username == "" {
		missingVars = append(missingVars, "JIRA_USERNAME")
	}
	if config.Jira.Token == "" {
		missingVars = append(missingVars, "JIRA_TOKEN")
	}

	return missing(missingVars)
}

func missing(vars []string) error {
	if len(vars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", vars)
	}
	return nil
}
