// Package mirror owns the local on-disk working copy of a repository.
//
// The manager guarantees that after EnsureReady the mirror directory holds a
// usable clone of the requested source, fetched at most once per eviction
// window. The directory's own modify time is the sync record; no sidecar
// state is kept. A file lock next to the directory guards clone, fetch, and
// checkout against a second process sharing the same mirror. It prevents
// working-tree corruption only and makes no fairness promises.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gofrs/flock"

	"github.com/stacklok/gitfs/internal/resolver"
	"github.com/stacklok/gitfs/internal/source"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

const (
	// DefaultDepth fetches only the tip commit's tree, not history.
	DefaultDepth = 1

	// DepthUnbounded requests a full clone with complete history.
	// Required when resolving cutoff dates older than the branch tip.
	DepthUnbounded = -1

	// DefaultEvictionWindow is the staleness tolerated before a fetch.
	DefaultEvictionWindow = time.Hour
)

// Config describes a mirror to manage.
type Config struct {
	// Source is the normalized repository origin.
	Source *source.Source

	// Dir is the mirror directory. Created by clone when absent.
	Dir string

	// Depth limits clone history. Zero means DefaultDepth;
	// DepthUnbounded means a full clone.
	Depth int

	// EvictionWindow is the maximum staleness before EnsureReady fetches.
	// Zero means DefaultEvictionWindow; negative means fetch every time.
	EvictionWindow time.Duration
}

// Manager performs clone, fetch, and checkout against a single mirror
// directory. It is not safe for concurrent use by multiple goroutines; the
// owning caller invokes operations sequentially.
type Manager struct {
	src    *source.Source
	dir    string
	depth  int
	window time.Duration
	lock   *flock.Flock
	repo   *git.Repository
}

// New validates cfg and returns a manager. No I/O happens until EnsureReady.
func New(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: mirror source cannot be nil", errdefs.ErrConfiguration)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: mirror directory cannot be empty", errdefs.ErrConfiguration)
	}

	depth := cfg.Depth
	if depth == 0 {
		depth = DefaultDepth
	}
	window := cfg.EvictionWindow
	if window == 0 {
		window = DefaultEvictionWindow
	}

	return &Manager{
		src:    cfg.Source,
		dir:    filepath.Clean(cfg.Dir),
		depth:  depth,
		window: window,
		lock:   flock.New(filepath.Clean(cfg.Dir) + ".lock"),
	}, nil
}

// Dir returns the mirror directory path.
func (m *Manager) Dir() string { return m.dir }

// Repository returns the underlying repository. Valid after EnsureReady.
func (m *Manager) Repository() *git.Repository { return m.repo }

// Head returns the commit the working tree is currently at.
func (m *Manager) Head() (plumbing.Hash, error) {
	if m.repo == nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: mirror is not ready", errdefs.ErrSync)
	}
	ref, err := m.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: reading HEAD: %v", errdefs.ErrSync, err)
	}
	return ref.Hash(), nil
}

// EnsureReady makes the mirror directory hold a clone of the source. A
// missing directory triggers a fresh clone restricted to the selector's ref
// and the configured depth. An existing mirror is reused as-is unless its
// last sync is older than the eviction window, in which case a single fetch
// refreshes it. Within the window no network I/O happens at all.
func (m *Manager) EnsureReady(ctx context.Context, sel source.Selector) error {
	// The lock file lives next to the mirror directory, which may not
	// exist yet on a fresh clone.
	if err := os.MkdirAll(filepath.Dir(m.dir), 0o755); err != nil {
		return fmt.Errorf("%w: preparing mirror parent directory: %v", errdefs.ErrSync, err)
	}
	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking mirror: %v", errdefs.ErrSync, err)
	}
	defer m.unlock()

	repo, err := git.PlainOpen(m.dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := m.refuseForeignDir(); err != nil {
			return err
		}
		return m.clone(ctx, sel)
	case err != nil:
		return fmt.Errorf("%w: opening mirror %s: %v", errdefs.ErrSync, m.dir, err)
	}

	m.repo = repo
	if err := m.verifyOrigin(); err != nil {
		return err
	}

	if !m.evicted() {
		slog.Debug("Mirror within eviction window, skipping fetch", "dir", m.dir)
		return nil
	}
	return m.fetch(ctx)
}

// Checkout sets the working tree to the given commit. Idempotent: when HEAD
// is already at the commit nothing is touched.
func (m *Manager) Checkout(rev plumbing.Hash) error {
	if m.repo == nil {
		return fmt.Errorf("%w: mirror is not ready", errdefs.ErrSync)
	}

	if head, err := m.repo.Head(); err == nil && head.Hash() == rev {
		slog.Debug("Mirror already at requested revision", "commit", rev.String())
		return nil
	}

	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking mirror: %v", errdefs.ErrSync, err)
	}
	defer m.unlock()

	worktree, err := m.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: getting worktree: %v", errdefs.ErrSync, err)
	}

	// Force guarantees a clean tree even if a previous checkout was
	// interrupted; the mirror is read-only from the caller's side so
	// there is never local state to preserve.
	err = worktree.Checkout(&git.CheckoutOptions{Hash: rev, Force: true})
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) || errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: commit %s", errdefs.ErrRevisionNotFound, rev.String())
		}
		return fmt.Errorf("%w: checkout of %s: %v", errdefs.ErrSync, rev.String(), err)
	}

	slog.Debug("Checked out revision", "dir", m.dir, "commit", rev.String())
	return nil
}

// EnsureRef makes ref resolvable locally, fetching the single missing
// refspec when a branch switch targets a ref the original single-branch
// clone never transferred.
func (m *Manager) EnsureRef(ctx context.Context, ref string) error {
	if m.repo == nil {
		return fmt.Errorf("%w: mirror is not ready", errdefs.ErrSync)
	}
	if _, err := resolver.Tip(m.repo, ref); err == nil {
		return nil
	}

	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking mirror: %v", errdefs.ErrSync, err)
	}
	defer m.unlock()

	specs := []gitconfig.RefSpec{
		gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", ref, git.DefaultRemoteName, ref)),
		gitconfig.RefSpec(fmt.Sprintf("+refs/tags/%s:refs/tags/%s", ref, ref)),
	}
	for _, spec := range specs {
		opts := &git.FetchOptions{
			RemoteName: git.DefaultRemoteName,
			RefSpecs:   []gitconfig.RefSpec{spec},
			Auth:       m.auth(),
			Force:      true,
		}
		if d := m.netDepth(); d > 0 {
			opts.Depth = d
		}

		err := m.repo.FetchContext(ctx, opts)
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			m.touch()
			return nil
		}
		if isMissingRef(err) {
			continue
		}
		return fmt.Errorf("%w: fetching ref %q: %v", errdefs.ErrSync, ref, err)
	}

	return fmt.Errorf("%w: no branch or tag named %q on the remote", errdefs.ErrRevisionNotFound, ref)
}

// Remove deletes the mirror directory and its lock file. Read-only files
// under .git get their write bit restored before a retry, since object
// files are created read-only and RemoveAll fails on them on some systems.
func (m *Manager) Remove() error {
	if err := os.RemoveAll(m.dir); err != nil {
		m.restoreWriteBits()
		if err := os.RemoveAll(m.dir); err != nil {
			return fmt.Errorf("removing mirror %s: %w", m.dir, err)
		}
	}
	_ = os.Remove(m.lock.Path())
	return nil
}

func (m *Manager) clone(ctx context.Context, sel source.Selector) error {
	opts := &git.CloneOptions{
		URL:  m.src.URL,
		Auth: m.auth(),
	}

	// An arbitrary commit is not reachable through a depth-limited
	// single-branch clone, so explicit-revision selectors transfer the
	// full repository and rely on checkout afterwards.
	singleRef := sel.Revision == ""
	if singleRef {
		if d := m.netDepth(); d > 0 {
			opts.Depth = d
		}
		if sel.Ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(sel.Ref)
			opts.SingleBranch = true
		}
	}

	slog.Info("Cloning repository",
		"repository", m.src.URL,
		"dir", m.dir,
		"ref", sel.Ref,
		"depth", opts.Depth)

	start := time.Now()
	repo, err := git.PlainCloneContext(ctx, m.dir, false, opts)
	if err != nil && singleRef && sel.Ref != "" && isMissingRef(err) {
		// The selector's ref may be a tag rather than a branch.
		m.discardPartialClone()
		opts.ReferenceName = plumbing.NewTagReferenceName(sel.Ref)
		repo, err = git.PlainCloneContext(ctx, m.dir, false, opts)
	}
	if err != nil {
		m.discardPartialClone()
		if isMissingRef(err) {
			return fmt.Errorf("%w: no branch or tag named %q on the remote", errdefs.ErrRevisionNotFound, sel.Ref)
		}
		return fmt.Errorf("%w: cloning %s: %v", errdefs.ErrSync, m.src.URL, err)
	}

	slog.Info("Clone completed",
		"repository", m.src.URL,
		"dir", m.dir,
		"duration", time.Since(start).String())

	m.repo = repo
	m.touch()
	return nil
}

func (m *Manager) fetch(ctx context.Context) error {
	opts := &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       m.auth(),
		Force:      true,
	}
	if d := m.netDepth(); d > 0 {
		opts.Depth = d
	}

	slog.Info("Refreshing stale mirror", "repository", m.src.URL, "dir", m.dir)

	err := m.repo.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		// The existing mirror stays valid; only the refresh failed.
		return fmt.Errorf("%w: fetching %s: %v", errdefs.ErrSync, m.src.URL, err)
	}

	m.touch()
	return nil
}

// verifyOrigin refuses to adopt a directory that mirrors a different
// remote. Reusing it would silently expose the wrong repository's files.
func (m *Manager) verifyOrigin() error {
	remote, err := m.repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return fmt.Errorf("%w: existing mirror %s has no %s remote", errdefs.ErrConfiguration, m.dir, git.DefaultRemoteName)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || urls[0] != m.src.URL {
		return fmt.Errorf("%w: existing mirror %s tracks %q, not %q",
			errdefs.ErrConfiguration, m.dir, firstOf(urls), m.src.URL)
	}
	return nil
}

// refuseForeignDir rejects a pre-existing non-empty directory that is not a
// git repository rather than cloning over someone else's files.
func (m *Manager) refuseForeignDir() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		// Not existing yet is the normal fresh-clone case.
		return nil
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s exists and is not a git repository", errdefs.ErrConfiguration, m.dir)
	}
	return nil
}

// evicted compares the directory modify time, touched after every clone and
// fetch, against the eviction window.
func (m *Manager) evicted() bool {
	if m.window < 0 {
		return true
	}
	info, err := os.Stat(m.dir)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > m.window
}

// touch records the sync time as the directory modify time, matching how
// evicted reads it back.
func (m *Manager) touch() {
	now := time.Now()
	if err := os.Chtimes(m.dir, now, now); err != nil {
		slog.Warn("Failed to update mirror sync time", "dir", m.dir, "error", err)
	}
}

func (m *Manager) unlock() {
	if err := m.lock.Unlock(); err != nil {
		slog.Warn("Failed to unlock mirror", "dir", m.dir, "error", err)
	}
}

// netDepth returns the effective clone depth. Depth exists to limit
// network transfer; local origins clone over the file transport, which
// does not negotiate shallow fetches, so they always transfer full
// history.
func (m *Manager) netDepth() int {
	if m.src.Local {
		return 0
	}
	return m.depth
}

func (m *Manager) auth() transport.AuthMethod {
	if m.src.Local || m.src.Token == "" {
		return nil
	}
	// Token-based HTTPS auth; the username is ignored by token-accepting
	// hosts but must be non-empty.
	return &githttp.BasicAuth{Username: "x-access-token", Password: m.src.Token}
}

// discardPartialClone removes whatever an aborted clone left behind so a
// failed sync never leaves a half-materialized tree.
func (m *Manager) discardPartialClone() {
	m.repo = nil
	if err := os.RemoveAll(m.dir); err != nil {
		slog.Warn("Failed to discard partial clone", "dir", m.dir, "error", err)
	}
}

func (m *Manager) restoreWriteBits() {
	_ = filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(path, info.Mode().Perm()|0o200)
		}
		return nil
	})
}

func firstOf(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

func isMissingRef(err error) bool {
	if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return true
	}
	var noMatch git.NoMatchingRefSpecError
	return errors.As(err, &noMatch)
}
