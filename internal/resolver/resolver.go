// Package resolver turns a selector into a concrete commit identifier.
package resolver

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/stacklok/gitfs/internal/source"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

// Revision is the output of a resolution. Immutable.
type Revision struct {
	// Commit is the resolved commit hash.
	Commit plumbing.Hash

	// ResolvedAt records when the resolution happened.
	ResolvedAt time.Time
}

// Resolve maps sel to a single commit in repo's locally available history.
//
// An explicit revision is returned as-is after verifying it exists in the
// mirror; no history is consulted. A ref without a cutoff resolves to the
// ref tip. With a cutoff, history is walked from the tip backward and the
// first commit with a committer timestamp at or before the cutoff wins, so
// identical timestamps tie-break in favor of the commit closer to the tip.
// If the walk reaches a shallow-clone boundary before finding a match the
// result is ErrInsufficientHistory rather than a silently wrong commit.
func Resolve(repo *git.Repository, sel source.Selector) (Revision, error) {
	resolvedAt := time.Now()

	if sel.Revision != "" {
		hash, err := lookupRevision(repo, sel.Revision)
		if err != nil {
			return Revision{}, err
		}
		return Revision{Commit: hash, ResolvedAt: resolvedAt}, nil
	}

	tip, err := Tip(repo, sel.Ref)
	if err != nil {
		return Revision{}, err
	}

	if sel.CutoffDate.IsZero() {
		return Revision{Commit: tip, ResolvedAt: resolvedAt}, nil
	}

	hash, err := walkToCutoff(repo, tip, sel.CutoffDate)
	if err != nil {
		return Revision{}, fmt.Errorf("resolving %q at %s: %w", sel.Ref, sel.CutoffDate.Format(time.RFC3339), err)
	}
	return Revision{Commit: hash, ResolvedAt: resolvedAt}, nil
}

// Tip returns the commit a branch or tag currently points at, preferring
// the remote-tracking ref since mirrors are usually single-branch clones
// whose local HEAD may be detached.
func Tip(repo *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, ref),
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	}

	for _, name := range candidates {
		r, err := repo.Reference(name, true)
		if err != nil {
			continue
		}
		return peel(repo, r.Hash())
	}

	return plumbing.ZeroHash, fmt.Errorf("%w: no branch or tag named %q", errdefs.ErrRevisionNotFound, ref)
}

// lookupRevision verifies an explicit (possibly abbreviated) commit id
// against the mirror's object store.
func lookupRevision(repo *git.Repository, revision string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %q", errdefs.ErrRevisionNotFound, revision)
	}

	peeled, err := peel(repo, *hash)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := repo.CommitObject(peeled); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %q is not a commit", errdefs.ErrRevisionNotFound, revision)
	}
	return peeled, nil
}

// peel dereferences annotated tag objects, nested or not, down to the
// commit they ultimately tag.
func peel(repo *git.Repository, hash plumbing.Hash) (plumbing.Hash, error) {
	for {
		tag, err := repo.TagObject(hash)
		if err != nil {
			return hash, nil
		}
		switch tag.TargetType {
		case plumbing.CommitObject:
			return tag.Target, nil
		case plumbing.TagObject:
			hash = tag.Target
		default:
			return plumbing.ZeroHash, fmt.Errorf("%w: tag %s does not reference a commit", errdefs.ErrRevisionNotFound, hash)
		}
	}
}

// walkToCutoff iterates tip-to-root and returns the first commit not newer
// than cutoff. The walk terminates early on the first match, so very long
// branches never materialize full history.
func walkToCutoff(repo *git.Repository, tip plumbing.Hash, cutoff time.Time) (plumbing.Hash, error) {
	shallow, err := repo.Storer.Shallow()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: reading shallow state: %v", errdefs.ErrSync, err)
	}
	boundary := make(map[plumbing.Hash]struct{}, len(shallow))
	for _, h := range shallow {
		boundary[h] = struct{}{}
	}

	// Committer-time order, not the default DFS: on a merged history the
	// first-parent line would otherwise yield an older commit while a
	// newer one sits on the other parent.
	iter, err := repo.Log(&git.LogOptions{From: tip, Order: git.LogOrderCommitterTime})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %v", errdefs.ErrRevisionNotFound, err)
	}
	defer iter.Close()

	truncated := false
	var found plumbing.Hash
	err = iter.ForEach(func(c *object.Commit) error {
		if !c.Committer.When.After(cutoff) {
			found = c.Hash
			return storer.ErrStop
		}
		if _, ok := boundary[c.Hash]; ok {
			truncated = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		// Walking past the shallow boundary surfaces as a missing parent
		// object rather than a clean stop.
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			truncated = true
		} else {
			return plumbing.ZeroHash, fmt.Errorf("%w: walking history: %v", errdefs.ErrRevisionNotFound, err)
		}
	}

	if found != plumbing.ZeroHash {
		return found, nil
	}
	if truncated {
		return plumbing.ZeroHash, errdefs.ErrInsufficientHistory
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: no commit at or before the cutoff date", errdefs.ErrRevisionNotFound)
}
