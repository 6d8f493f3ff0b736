package gitfs

import (
	"fmt"
	"time"

	"github.com/stacklok/gitfs/internal/mirror"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

// DepthUnbounded requests a full clone with complete history. Needed when
// cutoff-date resolution must look past the branch tip.
const DepthUnbounded = mirror.DepthUnbounded

// DefaultEvictionWindow is the staleness tolerated before an existing
// mirror is refreshed from the remote.
const DefaultEvictionWindow = mirror.DefaultEvictionWindow

type options struct {
	ref        string
	revision   string
	cutoff     time.Time
	localDir   string
	autoDelete bool
	window     time.Duration
	depth      int
	token      string
	lookupEnv  func(string) (string, bool)
}

func defaultOptions() *options {
	return &options{
		autoDelete: true,
		window:     DefaultEvictionWindow,
	}
}

// Option configures an opened filesystem.
type Option func(*options) error

// WithRef selects a branch or tag. Mutually exclusive with WithRevision.
func WithRef(ref string) Option {
	return func(o *options) error {
		o.ref = ref
		return nil
	}
}

// WithRevision selects an explicit commit id. Abbreviated hashes are
// accepted. Mutually exclusive with WithRef.
func WithRevision(revision string) Option {
	return func(o *options) error {
		o.revision = revision
		return nil
	}
}

// WithCutoffDate narrows the selected branch to the most recent commit at
// or before t. Resolving dates beyond the cloned depth fails with
// ErrInsufficientHistory; combine with WithFullHistory for old dates.
func WithCutoffDate(t time.Time) Option {
	return func(o *options) error {
		o.cutoff = t
		return nil
	}
}

// WithLocalDir uses dir as the mirror directory instead of an owned
// temporary one. Ownership for deletion purposes stays with the caller:
// the directory is never auto-deleted on Close.
func WithLocalDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return fmt.Errorf("%w: local directory cannot be empty", errdefs.ErrConfiguration)
		}
		o.localDir = dir
		return nil
	}
}

// WithAutoDelete controls whether an owned mirror directory is removed on
// Close. Defaults to true.
func WithAutoDelete(enabled bool) Option {
	return func(o *options) error {
		o.autoDelete = enabled
		return nil
	}
}

// WithEvictionWindow sets the maximum staleness tolerated before an
// existing mirror is refreshed. A negative window forces a fetch on every
// open. Defaults to DefaultEvictionWindow.
func WithEvictionWindow(d time.Duration) Option {
	return func(o *options) error {
		o.window = d
		return nil
	}
}

// WithDepth limits clone history to n generations from the tip. Defaults
// to 1 (tip tree only, no history).
func WithDepth(n int) Option {
	return func(o *options) error {
		if n < DepthUnbounded || n == 0 {
			return fmt.Errorf("%w: depth must be positive or DepthUnbounded", errdefs.ErrConfiguration)
		}
		o.depth = n
		return nil
	}
}

// WithFullHistory requests a full clone, equivalent to
// WithDepth(DepthUnbounded).
func WithFullHistory() Option {
	return func(o *options) error {
		o.depth = DepthUnbounded
		return nil
	}
}

// WithToken supplies a credential token explicitly, taking precedence over
// the GITFS_ACCESS_TOKEN environment variable.
func WithToken(token string) Option {
	return func(o *options) error {
		o.token = token
		return nil
	}
}

// WithEnvLookup overrides the environment lookup used for credential
// fallback. Mainly for tests.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *options) error {
		o.lookupEnv = lookup
		return nil
	}
}
