// Package source normalizes repository locators and credentials.
//
// It is the only place that understands the different shapes a repository
// origin can take (remote URL, local path, open filesystem handle) and the
// credential precedence. No network I/O happens here; whether the origin is
// actually a git repository is validated lazily by the mirror manager on the
// first clone or fetch.
package source

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/stacklok/gitfs/pkg/errdefs"
)

// EnvAccessToken is the environment variable consulted for a credential
// token when none is passed explicitly.
const EnvAccessToken = "GITFS_ACCESS_TOKEN"

// DefaultRef is the ref used when a selector names neither a branch nor an
// explicit revision.
const DefaultRef = "master"

// Source is a normalized repository origin. Immutable once constructed.
type Source struct {
	// URL is the clone URL. For local origins this is an absolute
	// filesystem path, which go-git's file transport accepts directly.
	URL string

	// Local reports whether the origin is a local working copy rather
	// than a remote.
	Local bool

	// RepoName is the repository basename with any ".git" suffix removed.
	RepoName string

	// Token is the resolved credential, empty when none applies.
	Token string
}

// Options control locator normalization.
type Options struct {
	// Token is an explicitly supplied credential. Takes precedence over
	// URL-embedded credentials and the environment.
	Token string

	// LookupEnv overrides the environment lookup, mainly for tests.
	// Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (o Options) lookupEnv(key string) (string, bool) {
	if o.LookupEnv != nil {
		return o.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

// Selector identifies which commit's files to expose. Exactly one of Ref
// and Revision is authoritative; CutoffDate narrows Ref to the latest
// commit at or before that time.
type Selector struct {
	// Ref is a branch or tag name.
	Ref string

	// Revision is an explicit commit id. Abbreviated hashes are accepted.
	Revision string

	// CutoffDate, when non-zero, selects the most recent commit on Ref
	// with a committer timestamp at or before it.
	CutoffDate time.Time
}

// Validate checks that the selector is internally consistent.
func (s Selector) Validate() error {
	if s.Ref != "" && s.Revision != "" {
		return fmt.Errorf("%w: only one of branch/tag and revision may be specified", errdefs.ErrConfiguration)
	}
	if s.Ref == "" && s.Revision == "" {
		return fmt.Errorf("%w: a branch, tag, or revision is required", errdefs.ErrConfiguration)
	}
	return nil
}

// Parse normalizes origin, which may be a remote URL (https, http, ssh,
// git, scp-like), a file URL, or a local path. Unrecognized URL schemes
// fail with ErrConfiguration.
func Parse(origin string, opts Options) (*Source, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: repository origin cannot be empty", errdefs.ErrConfiguration)
	}

	// scp-like syntax (git@host:path) has no scheme but is a remote.
	if isSCPLike(origin) {
		return &Source{
			URL:      origin,
			RepoName: repoName(origin[strings.LastIndex(origin, ":")+1:]),
			Token:    resolveToken(opts, ""),
		}, nil
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" {
		return parseLocalPath(origin, opts)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "http", "ssh", "git":
	case "file":
		return parseLocalPath(u.Path, opts)
	default:
		// Windows drive letters parse as single-character schemes.
		if len(u.Scheme) == 1 {
			return parseLocalPath(origin, opts)
		}
		return nil, fmt.Errorf("%w: unrecognized URL scheme %q", errdefs.ErrConfiguration, u.Scheme)
	}

	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("%w: repository URL %q has no host or path", errdefs.ErrConfiguration, origin)
	}

	// Credentials embedded in http(s) URLs are lifted out so they never
	// end up in logs or in the mirror's stored remote config. For ssh
	// the userinfo (git@) is addressing, not a credential.
	var embedded string
	scheme := strings.ToLower(u.Scheme)
	if u.User != nil && (scheme == "http" || scheme == "https") {
		if pw, ok := u.User.Password(); ok && pw != "" {
			embedded = pw
		} else if name := u.User.Username(); name != "" {
			embedded = name
		}
		u.User = nil
	}

	return &Source{
		URL:      u.String(),
		RepoName: repoName(u.Path),
		Token:    resolveToken(opts, embedded),
	}, nil
}

// FromFilesystem normalizes an already-open filesystem handle believed to
// be rooted at a git working copy. Only directory-ness is checked here.
func FromFilesystem(fsys billy.Filesystem, opts Options) (*Source, error) {
	if fsys == nil {
		return nil, fmt.Errorf("%w: filesystem handle cannot be nil", errdefs.ErrConfiguration)
	}

	info, err := fsys.Stat(".")
	if err != nil {
		return nil, fmt.Errorf("%w: filesystem root is not accessible: %v", errdefs.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: filesystem handle is not rooted at a directory", errdefs.ErrConfiguration)
	}

	return parseLocalPath(fsys.Root(), opts)
}

func parseLocalPath(origin string, opts Options) (*Source, error) {
	abs, err := filepath.Abs(filepath.Clean(origin))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve local path %q: %v", errdefs.ErrConfiguration, origin, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: local repository %q does not exist", errdefs.ErrConfiguration, abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: local repository %q is not a directory", errdefs.ErrConfiguration, abs)
	}

	return &Source{
		URL:      abs,
		Local:    true,
		RepoName: repoName(abs),
		Token:    resolveToken(opts, ""),
	}, nil
}

// resolveToken applies the credential precedence: explicit argument, then
// URL-embedded, then environment, then none. Resolved once at construction
// so nothing reads the environment at sync time.
func resolveToken(opts Options, embedded string) string {
	if opts.Token != "" {
		return opts.Token
	}
	if embedded != "" {
		return embedded
	}
	if tok, ok := opts.lookupEnv(EnvAccessToken); ok && tok != "" {
		return tok
	}
	return ""
}

func repoName(p string) string {
	name := path.Base(filepath.ToSlash(p))
	return strings.TrimSuffix(name, ".git")
}

// isSCPLike reports whether origin uses the user@host:path shorthand.
func isSCPLike(origin string) bool {
	at := strings.Index(origin, "@")
	colon := strings.Index(origin, ":")
	return at > 0 && colon > at && !strings.Contains(origin[:colon], "/")
}
