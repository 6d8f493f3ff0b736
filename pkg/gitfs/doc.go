// Package gitfs exposes a read-only filesystem view over a single
// revision, branch, or tag of a git repository.
//
// The selected revision is materialized into a local mirror directory with
// minimal network transfer: clones are single-branch and depth-limited by
// default, repeated opens within the eviction window reuse the mirror with
// no network I/O at all, and a stale mirror costs exactly one fetch.
//
// # Selecting a revision
//
// A selector names either a branch/tag or an explicit commit, optionally
// narrowed by a cutoff date:
//
//	fs, err := gitfs.Open(ctx, "https://github.com/example/data.git",
//	    gitfs.WithRef("main"),
//	    gitfs.WithCutoffDate(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
//	    gitfs.WithFullHistory(),
//	)
//	if err != nil {
//	    return err
//	}
//	defer fs.Close()
//
//	f, err := fs.Open("config/settings.yaml")
//
// With a cutoff date, resolution walks the branch from the tip backward
// and returns the first commit with a committer timestamp at or before the
// cutoff. When the default depth-1 clone has truncated history before the
// cutoff, resolution fails with ErrInsufficientHistory instead of silently
// returning a wrong commit; request a full clone for historical lookups.
//
// # Mirror lifecycle
//
// Without WithLocalDir the mirror lives in an owned temporary directory,
// removed on Close (disable with WithAutoDelete(false)). A caller-supplied
// directory is borrowed: it is reused across opens, refreshed only when
// older than the eviction window, and never deleted by this package.
//
// # Read-only contract
//
// FS implements billy.Filesystem. All mutating operations (Create, Remove,
// Rename, MkdirAll, Symlink, TempFile, and writable OpenFile flags) fail
// with ErrReadOnly. Errors are classified by the sentinels in pkg/errdefs.
package gitfs
