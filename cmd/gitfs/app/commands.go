// Package app provides the entry point for the gitfs command line tool.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/gitfs/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "gitfs",
	DisableAutoGenTag: true,
	Short:             "Read-only filesystem views over git revisions",
	Long: `gitfs materializes a branch, tag, or revision of a git repository into a
local mirror and exposes it as a read-only file tree. Mirrors are cached and
refreshed lazily, so repeated invocations within the eviction window perform
no network I/O.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates a new root command for the gitfs CLI.
func NewRootCmd() *cobra.Command {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a gitfs config file (YAML)")
	flags.String("branch", "", "Branch or tag to expose")
	flags.String("revision", "", "Explicit commit id to expose (abbreviations accepted)")
	flags.String("before", "", "Cutoff date: latest commit at or before this time (RFC3339 or YYYY-MM-DD)")
	flags.Bool("full-history", false, "Clone full history instead of the tip only")
	flags.Int("depth", 0, "Clone depth (0 means tip only)")
	flags.String("cache-dir", "", "Reuse mirrors under this directory instead of temporary ones")
	flags.Bool("keep", false, "Keep temporary mirror directories after the command exits")
	flags.Duration("eviction-window", 0, "Maximum mirror staleness before refetching (default 1h)")
	flags.String("token", "", "Access token for private repositories")
	flags.Uint("retries", 0, "Retry transient sync failures up to this many times")

	for _, name := range []string{
		"config", "branch", "revision", "before", "full-history", "depth",
		"cache-dir", "keep", "eviction-window", "token", "retries",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Println(string(output))
		} else {
			slog.Info("gitfs version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
