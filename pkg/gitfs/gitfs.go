package gitfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"github.com/stacklok/gitfs/internal/mirror"
	"github.com/stacklok/gitfs/internal/resolver"
	"github.com/stacklok/gitfs/internal/source"
)

// Revision identifies the commit an FS exposes.
type Revision struct {
	// Commit is the full commit hash.
	Commit string

	// ResolvedAt records when the selector was resolved to this commit.
	ResolvedAt time.Time
}

// FS is a read-only filesystem over one revision of a git repository.
//
// The repository source bound at open time never changes for the life of
// the instance. Operations are expected to be invoked sequentially by the
// owning caller; the type provides no internal locking against concurrent
// use of the same instance.
type FS struct {
	billy.Filesystem

	mgr        *mirror.Manager
	sel        source.Selector
	resolved   resolver.Revision
	owned      bool
	autoDelete bool
	closed     atomic.Bool
}

// Open materializes the selected revision of origin into a local mirror
// and returns a read-only filesystem over its tree. origin may be a remote
// URL or a local repository path.
func Open(ctx context.Context, origin string, opts ...Option) (*FS, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	src, err := source.Parse(origin, source.Options{Token: o.token, LookupEnv: o.lookupEnv})
	if err != nil {
		return nil, err
	}
	return open(ctx, src, o)
}

// OpenFilesystem is like Open but takes an already-open filesystem handle
// believed to be rooted at a git working copy.
func OpenFilesystem(ctx context.Context, fsys billy.Filesystem, opts ...Option) (*FS, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	src, err := source.FromFilesystem(fsys, source.Options{Token: o.token, LookupEnv: o.lookupEnv})
	if err != nil {
		return nil, err
	}
	return open(ctx, src, o)
}

func applyOptions(opts []Option) (*options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func open(ctx context.Context, src *source.Source, o *options) (*FS, error) {
	sel := source.Selector{Ref: o.ref, Revision: o.revision, CutoffDate: o.cutoff}
	if sel.Revision != "" && !sel.CutoffDate.IsZero() {
		slog.Warn("Explicit revision overrides cutoff date; ignoring cutoff",
			"revision", sel.Revision,
			"cutoff", sel.CutoffDate.Format(time.RFC3339))
		sel.CutoffDate = time.Time{}
	}
	if sel.Ref == "" && sel.Revision == "" {
		sel.Ref = source.DefaultRef
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	dir := o.localDir
	owned := false
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("gitfs-%s-%s", src.RepoName, uuid.NewString()))
		owned = true
	}

	mgr, err := mirror.New(mirror.Config{
		Source:         src,
		Dir:            dir,
		Depth:          o.depth,
		EvictionWindow: o.window,
	})
	if err != nil {
		return nil, err
	}

	fs, err := materialize(ctx, mgr, sel, owned, o.autoDelete)
	if err != nil && owned {
		// Guaranteed release of owned directories on error paths too.
		if rmErr := mgr.Remove(); rmErr != nil {
			slog.Warn("Failed to remove mirror after open error", "dir", dir, "error", rmErr)
		}
	}
	return fs, err
}

func materialize(ctx context.Context, mgr *mirror.Manager, sel source.Selector, owned, autoDelete bool) (*FS, error) {
	if err := mgr.EnsureReady(ctx, sel); err != nil {
		return nil, err
	}

	// A reused mirror may predate this selector's ref entirely.
	if sel.Ref != "" {
		if err := mgr.EnsureRef(ctx, sel.Ref); err != nil {
			return nil, err
		}
	}

	rev, err := resolver.Resolve(mgr.Repository(), sel)
	if err != nil {
		return nil, err
	}
	if err := mgr.Checkout(rev.Commit); err != nil {
		return nil, err
	}

	f := &FS{
		mgr:        mgr,
		sel:        sel,
		resolved:   rev,
		owned:      owned,
		autoDelete: autoDelete,
	}
	f.Filesystem = newReadOnlyFs(osfs.New(mgr.Dir()), &f.closed)
	return f, nil
}

// Resolved returns the revision this filesystem exposes.
func (f *FS) Resolved() Revision {
	return Revision{
		Commit:     f.resolved.Commit.String(),
		ResolvedAt: f.resolved.ResolvedAt,
	}
}

// LocalDir returns the mirror directory backing this filesystem.
func (f *FS) LocalDir() string { return f.mgr.Dir() }

// CurrentBranch returns the checked-out branch name, or "HEAD" when the
// working tree is detached (always the case for revision- or cutoff-based
// selectors).
func (f *FS) CurrentBranch() string {
	repo := f.mgr.Repository()
	if repo == nil {
		return "HEAD"
	}
	ref, err := repo.Head()
	if err != nil || !ref.Name().IsBranch() {
		return "HEAD"
	}
	return ref.Name().Short()
}

// Detached reports whether HEAD points at a commit rather than a branch.
func (f *FS) Detached() bool { return f.CurrentBranch() == "HEAD" }

// SwitchBranch re-resolves against ref (a branch or tag) and checks out
// the result, keeping the cutoff date the instance was opened with. A ref
// missing from the original single-branch clone is fetched on demand; a
// fresh clone is never needed.
func (f *FS) SwitchBranch(ctx context.Context, ref string) error {
	if f.closed.Load() {
		return fmt.Errorf("gitfs switch branch: %w", os.ErrClosed)
	}

	sel := source.Selector{Ref: ref, CutoffDate: f.sel.CutoffDate}
	if err := sel.Validate(); err != nil {
		return err
	}
	if err := f.mgr.EnsureRef(ctx, ref); err != nil {
		return err
	}

	rev, err := resolver.Resolve(f.mgr.Repository(), sel)
	if err != nil {
		return err
	}
	if err := f.mgr.Checkout(rev.Commit); err != nil {
		return err
	}

	f.sel = sel
	f.resolved = rev
	return nil
}

// Close refuses new handles and, when the instance owns its mirror
// directory and auto-delete is enabled, removes the directory. Removal is
// best-effort: failures are logged, never returned, so a caller's shutdown
// sequence cannot be derailed by cleanup. Already-open file handles are
// not revoked.
func (f *FS) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	if f.owned && f.autoDelete {
		if err := f.mgr.Remove(); err != nil {
			slog.Warn("Failed to remove mirror directory on close",
				"dir", f.mgr.Dir(),
				"error", err)
		} else {
			slog.Debug("Removed mirror directory", "dir", f.mgr.Dir())
		}
	}
	return nil
}
