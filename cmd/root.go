// Package cmd provides the command-line interface for relmark.
package cmd

import (
	"context"
	"os"

	"github.com/danielolaszy/relmark/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relmark",
	Short: "Relmark builds release markers for time-series charts",
	Long: `Relmark fetches the releases of an organization page by page and derives
the marker series a chart draws as vertical release lines.

Releases can come from a Sentry-compatible API, from GitHub Releases of a
repository, or from the fix versions of a JIRA project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return err
		}
		format, err := cmd.Flags().GetString("log-format")
		if err != nil {
			return err
		}
		if level == "" && format == "" {
			return nil
		}
		if level == "" {
			level = envOr("LOG_LEVEL", string(logging.LevelInfo))
		}
		if format == "" {
			format = envOr("LOG_FORMAT", string(logging.FormatText))
		}
		logging.SetupLoggerWithFormat(os.Stderr, logging.LogLevel(level), logging.LogFormat(format))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Override LOG_LEVEL and LOG_FORMAT for a single run
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(seriesCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
