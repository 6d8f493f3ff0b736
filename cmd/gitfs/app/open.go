package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/viper"

	"github.com/stacklok/gitfs/internal/config"
	"github.com/stacklok/gitfs/internal/source"
	"github.com/stacklok/gitfs/pkg/errdefs"
	"github.com/stacklok/gitfs/pkg/gitfs"
)

// openFS translates flags and config into gitfs options and opens the
// filesystem. Transient sync failures are retried when --retries is set;
// the retry policy lives here because the core never retries on its own.
func openFS(ctx context.Context, origin string) (*gitfs.FS, error) {
	opts, err := buildOptions(origin)
	if err != nil {
		return nil, err
	}

	retries := viper.GetUint("retries")
	if retries == 0 {
		return gitfs.Open(ctx, origin, opts...)
	}

	operation := func() (*gitfs.FS, error) {
		fs, err := gitfs.Open(ctx, origin, opts...)
		if err != nil && !errdefs.IsSync(err) {
			// Configuration and resolution failures will not heal.
			return nil, backoff.Permanent(err)
		}
		return fs, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(retries+1),
	)
}

func buildOptions(origin string) ([]gitfs.Option, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []gitfs.Option

	ref := viper.GetString("branch")
	if ref == "" {
		ref = cfg.Defaults.Ref
	}
	if ref != "" {
		opts = append(opts, gitfs.WithRef(ref))
	}
	if rev := viper.GetString("revision"); rev != "" {
		opts = append(opts, gitfs.WithRevision(rev))
	}
	if before := viper.GetString("before"); before != "" {
		cutoff, err := parseCutoff(before)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gitfs.WithCutoffDate(cutoff))
	}

	if viper.GetBool("full-history") || cfg.Defaults.FullHistory {
		opts = append(opts, gitfs.WithFullHistory())
	} else if depth := viper.GetInt("depth"); depth > 0 {
		opts = append(opts, gitfs.WithDepth(depth))
	}

	window := viper.GetDuration("eviction-window")
	if window == 0 {
		if window, err = cfg.Window(); err != nil {
			return nil, err
		}
	}
	if window != 0 {
		opts = append(opts, gitfs.WithEvictionWindow(window))
	}

	token := viper.GetString("token")
	if token == "" {
		if token, err = cfg.Token(); err != nil {
			return nil, err
		}
	}
	if token != "" {
		opts = append(opts, gitfs.WithToken(token))
	}

	// A cache directory makes mirrors named and reusable across runs;
	// the caller (us) then owns them, so gitfs never deletes them.
	if cacheDir := viper.GetString("cache-dir"); cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if cfg.CacheDir != "" {
		src, err := source.Parse(origin, source.Options{Token: token})
		if err != nil {
			return nil, err
		}
		opts = append(opts, gitfs.WithLocalDir(cfg.MirrorDir(src.RepoName)))
	} else if viper.GetBool("keep") {
		opts = append(opts, gitfs.WithAutoDelete(false))
	}

	return opts, nil
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.Load(config.WithConfigPath(path))
	}
	return config.Load()
}

func parseCutoff(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse cutoff date %q", errdefs.ErrConfiguration, value)
}
