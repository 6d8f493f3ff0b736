// Package main is the entry point for the gitfs command line tool.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/gitfs/cmd/gitfs/app"
	"github.com/stacklok/gitfs/internal/config"
)

// getLogLevel parses the GITFS_LOG_LEVEL environment variable and returns
// the corresponding slog.Level. Defaults to slog.LevelInfo when unset or
// invalid.
func getLogLevel() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	levelStr := v.GetString("LOG_LEVEL")

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid GITFS_LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

func main() {
	// Log to stderr so stdout stays clean for commands that output data
	// (cat, ls, resolve --format json).
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
