// Package config provides configuration loading for the gitfs CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/gitfs/internal/source"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

// EnvPrefix is the prefix for environment variables read by the CLI.
const EnvPrefix = "GITFS"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// CacheDir is the root directory for named, reusable mirrors. Empty
	// means every open uses an owned temporary directory.
	CacheDir string `yaml:"cacheDir,omitempty"`

	// Auth configures credential resolution for remote repositories.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// Defaults are applied when the corresponding flag is not given.
	Defaults DefaultsConfig `yaml:"defaults,omitempty"`
}

// AuthConfig defines credential settings
type AuthConfig struct {
	// TokenFile is a path to a file holding the access token.
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// DefaultsConfig defines fallback values for selector and mirror flags
type DefaultsConfig struct {
	// Ref is the default branch or tag.
	Ref string `yaml:"ref,omitempty"`

	// EvictionWindow is a duration string (e.g. "1h", "30m").
	EvictionWindow string `yaml:"evictionWindow,omitempty"`

	// FullHistory requests unbounded clone depth by default.
	FullHistory bool `yaml:"fullHistory,omitempty"`
}

// Load reads configuration, returning zero-value defaults when no config
// path is given.
func Load(opts ...Option) (*Config, error) {
	loader := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loader); err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if loader.path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(loader.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file: %v", errdefs.ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", errdefs.ErrConfiguration, err)
	}
	return cfg, nil
}

// GetToken returns the access token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from the GITFS_ACCESS_TOKEN environment variable
//
// The token from file will have leading/trailing whitespace trimmed. An
// empty result with nil error means no credential is configured, which is
// valid for public repositories.
func (a *AuthConfig) GetToken() (string, error) {
	if a != nil && a.TokenFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(a.TokenFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", a.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return os.Getenv(source.EnvAccessToken), nil
}

// Token is a nil-safe accessor for the configured credential.
func (c *Config) Token() (string, error) {
	return c.Auth.GetToken()
}

// Window parses the configured default eviction window. Zero means the
// library default applies.
func (c *Config) Window() (time.Duration, error) {
	if c.Defaults.EvictionWindow == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Defaults.EvictionWindow)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid evictionWindow %q: %v", errdefs.ErrConfiguration, c.Defaults.EvictionWindow, err)
	}
	return d, nil
}

// MirrorDir returns the reusable mirror directory for a repository under
// the cache root, or "" when no cache root is configured.
func (c *Config) MirrorDir(repoName string) string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, repoName)
}
