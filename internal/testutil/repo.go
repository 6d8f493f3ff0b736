// Package testutil builds throwaway git repositories for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit describes one commit in a test repository.
type Commit struct {
	// Files maps filename to content, written and staged before committing.
	Files map[string]string

	// Message is the commit message. Defaults to "test commit".
	Message string

	// When is the author and committer timestamp. Zero means time.Now().
	When time.Time
}

// CreateRepo creates a git repository in a temporary directory with the
// given commits on the default branch (master). Returns the repository
// path and the commit hashes in order.
func CreateRepo(t *testing.T, commits []Commit) (string, []plumbing.Hash) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}

	hashes := AddCommits(t, repo, dir, commits)
	return dir, hashes
}

// AddCommits appends commits to an existing repository's current branch.
func AddCommits(t *testing.T, repo *git.Repository, dir string, commits []Commit) []plumbing.Hash {
	t.Helper()

	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	var hashes []plumbing.Hash
	for _, c := range commits {
		for filename, content := range c.Files {
			path := filepath.Join(dir, filename)
			if parent := filepath.Dir(path); parent != dir {
				if err := os.MkdirAll(parent, 0o755); err != nil {
					t.Fatalf("Failed to create directory %s: %v", parent, err)
				}
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("Failed to write file %s: %v", filename, err)
			}
			if _, err := worktree.Add(filename); err != nil {
				t.Fatalf("Failed to add file %s: %v", filename, err)
			}
		}

		message := c.Message
		if message == "" {
			message = "test commit"
		}
		when := c.When
		if when.IsZero() {
			when = time.Now()
		}
		sig := &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
			When:  when,
		}

		hash, err := worktree.Commit(message, &git.CommitOptions{
			Author:            sig,
			Committer:         sig,
			AllowEmptyCommits: true,
		})
		if err != nil {
			t.Fatalf("Failed to commit: %v", err)
		}
		hashes = append(hashes, hash)
	}

	return hashes
}

// AddToRepo appends commits to the current branch of the repository at dir.
func AddToRepo(t *testing.T, dir string, commits []Commit) []plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	return AddCommits(t, repo, dir, commits)
}

// CreateBranch creates and checks out a branch with the given commits,
// then switches back to master. Returns the branch commit hashes.
func CreateBranch(t *testing.T, dir, name string, commits []Commit) []plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		t.Fatalf("Failed to create branch %s: %v", name, err)
	}

	hashes := AddCommits(t, repo, dir, commits)

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	})
	if err != nil {
		t.Fatalf("Failed to return to master: %v", err)
	}

	return hashes
}

// CreateTag creates a lightweight tag pointing at the given commit.
func CreateTag(t *testing.T, dir, name string, target plumbing.Hash) {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	if _, err := repo.CreateTag(name, target, nil); err != nil {
		t.Fatalf("Failed to create tag %s: %v", name, err)
	}
}

// CreateAnnotatedTag creates an annotated tag object pointing at target and
// returns the tag object's hash. target may itself be a tag object hash,
// which produces a nested tag.
func CreateAnnotatedTag(t *testing.T, dir, name string, target plumbing.Hash) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	ref, err := repo.CreateTag(name, target, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil {
		t.Fatalf("Failed to create annotated tag %s: %v", name, err)
	}
	return ref.Hash()
}

// CreateBranchAt creates a branch starting at the given commit, adds commits
// on it, then switches back to master. Returns the branch commit hashes.
func CreateBranchAt(t *testing.T, dir, name string, start plumbing.Hash, commits []Commit) []plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Hash:   start,
		Create: true,
	})
	if err != nil {
		t.Fatalf("Failed to create branch %s at %s: %v", name, start, err)
	}

	hashes := AddCommits(t, repo, dir, commits)

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	})
	if err != nil {
		t.Fatalf("Failed to return to master: %v", err)
	}

	return hashes
}

// AddMergeCommit records a commit with explicit parents on the current
// branch, the way a merge would.
func AddMergeCommit(t *testing.T, dir, message string, when time.Time, parents []plumbing.Hash) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	sig := &object.Signature{
		Name:  "Test Author",
		Email: "test@example.com",
		When:  when,
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		Parents:           parents,
		AllowEmptyCommits: true,
	})
	if err != nil {
		t.Fatalf("Failed to create merge commit: %v", err)
	}
	return hash
}

// MarkShallow records the given commits as shallow-clone boundaries,
// simulating a depth-limited clone whose history stops at those commits.
func MarkShallow(t *testing.T, repo *git.Repository, boundaries []plumbing.Hash) {
	t.Helper()

	if err := repo.Storer.SetShallow(boundaries); err != nil {
		t.Fatalf("Failed to set shallow boundaries: %v", err)
	}
}
