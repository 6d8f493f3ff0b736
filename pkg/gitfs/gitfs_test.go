package gitfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitfs/internal/testutil"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

func noEnv(string) (string, bool) { return "", false }

func testRepo(t *testing.T) (string, []plumbing.Hash) {
	t.Helper()

	return testutil.CreateRepo(t, []testutil.Commit{
		{Files: map[string]string{"file.txt": "one", "docs/readme.md": "# docs"}, Message: "C1", When: time.Unix(100, 0)},
		{Files: map[string]string{"file.txt": "two"}, Message: "C2", When: time.Unix(200, 0)},
		{Files: map[string]string{"file.txt": "three"}, Message: "C3", When: time.Unix(300, 0)},
	})
}

func readFile(t *testing.T, fs *FS, name string) string {
	t.Helper()

	f, err := fs.Open(name)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestOpenBranchTip(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)

	fs, err := Open(context.Background(), repoDir, WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, hashes[2].String(), fs.Resolved().Commit)
	assert.Equal(t, "three", readFile(t, fs, "file.txt"))
	assert.Equal(t, "# docs", readFile(t, fs, "docs/readme.md"))

	info, err := fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("three")), info.Size())

	// Mutations are rejected and leave the mirror on disk untouched.
	err = fs.Remove("file.txt")
	require.Error(t, err)
	assert.True(t, errdefs.IsReadOnly(err))
	_, err = os.Stat(filepath.Join(fs.LocalDir(), "file.txt"))
	assert.NoError(t, err)
}

func TestOpenWithCutoffDate(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)

	fs, err := Open(context.Background(), repoDir,
		WithRef("master"),
		WithCutoffDate(time.Unix(250, 0)),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, hashes[1].String(), fs.Resolved().Commit)
	assert.Equal(t, "two", readFile(t, fs, "file.txt"))
	assert.True(t, fs.Detached())
}

func TestOpenWithCutoffBeforeHistory(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)

	_, err := Open(context.Background(), repoDir,
		WithCutoffDate(time.Unix(50, 0)),
		WithEnvLookup(noEnv))
	require.Error(t, err)
	assert.True(t, errdefs.IsRevisionNotFound(err))
}

func TestOpenWithExplicitRevision(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)

	fs, err := Open(context.Background(), repoDir,
		WithRevision(hashes[0].String()),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, hashes[0].String(), fs.Resolved().Commit)
	assert.Equal(t, "one", readFile(t, fs, "file.txt"))
	assert.Equal(t, "HEAD", fs.CurrentBranch())
}

func TestOpenRevisionOverridesCutoff(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)

	// Both supplied: the explicit revision is authoritative and the
	// cutoff is ignored.
	fs, err := Open(context.Background(), repoDir,
		WithRevision(hashes[2].String()),
		WithCutoffDate(time.Unix(150, 0)),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, hashes[2].String(), fs.Resolved().Commit)
}

func TestOpenUnknownBranch(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)

	_, err := Open(context.Background(), repoDir,
		WithRef("no-such-branch"),
		WithEnvLookup(noEnv))
	require.Error(t, err)
	assert.True(t, errdefs.IsRevisionNotFound(err))
}

func TestCloseRemovesOwnedMirror(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)

	fs, err := Open(context.Background(), repoDir, WithEnvLookup(noEnv))
	require.NoError(t, err)

	mirrorDir := fs.LocalDir()
	_, err = os.Stat(mirrorDir)
	require.NoError(t, err)

	require.NoError(t, fs.Close())

	_, err = os.Stat(mirrorDir)
	assert.True(t, os.IsNotExist(err), "owned mirror must be deleted on close")

	// Closing twice is harmless.
	assert.NoError(t, fs.Close())
}

func TestCloseKeepsMirrorWhenAutoDeleteDisabled(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)

	fs, err := Open(context.Background(), repoDir,
		WithAutoDelete(false),
		WithEnvLookup(noEnv))
	require.NoError(t, err)

	mirrorDir := fs.LocalDir()
	require.NoError(t, fs.Close())

	_, err = os.Stat(mirrorDir)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(mirrorDir) })
}

func TestCloseNeverDeletesBorrowedDir(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	fs, err := Open(context.Background(), repoDir,
		WithLocalDir(mirrorDir),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	// Ownership stays with the caller even though auto-delete defaults
	// to enabled.
	_, err = os.Stat(mirrorDir)
	assert.NoError(t, err)
}

func TestClosedFilesystemRefusesNewHandles(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	fs, err := Open(context.Background(), repoDir,
		WithLocalDir(mirrorDir),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	_, err = fs.Open("file.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)

	_, err = fs.ReadDir(".")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRoundTripReuseResolvesSameCommit(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	open := func() *FS {
		fs, err := Open(context.Background(), repoDir,
			WithRef("master"),
			WithLocalDir(mirrorDir),
			WithEnvLookup(noEnv))
		require.NoError(t, err)
		return fs
	}

	fs1 := open()
	first := fs1.Resolved().Commit
	require.NoError(t, fs1.Close())

	// Upstream advances, but the second open lands inside the eviction
	// window and must reuse the mirror without any network I/O.
	testutil.AddToRepo(t, repoDir, []testutil.Commit{
		{Files: map[string]string{"file.txt": "four"}, Message: "C4", When: time.Unix(400, 0)},
	})

	fs2 := open()
	defer fs2.Close()

	assert.Equal(t, first, fs2.Resolved().Commit)
	assert.Equal(t, hashes[2].String(), fs2.Resolved().Commit)
	assert.Equal(t, "three", readFile(t, fs2, "file.txt"))
}

func TestSwitchBranch(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)
	branchHashes := testutil.CreateBranch(t, repoDir, "feature", []testutil.Commit{
		{Files: map[string]string{"feature.txt": "wip"}, Message: "feature work", When: time.Unix(400, 0)},
	})

	fs, err := Open(context.Background(), repoDir,
		WithRef("master"),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	require.Equal(t, hashes[2].String(), fs.Resolved().Commit)

	require.NoError(t, fs.SwitchBranch(context.Background(), "feature"))
	assert.Equal(t, branchHashes[0].String(), fs.Resolved().Commit)
	assert.Equal(t, "wip", readFile(t, fs, "feature.txt"))

	require.NoError(t, fs.SwitchBranch(context.Background(), "master"))
	assert.Equal(t, hashes[2].String(), fs.Resolved().Commit)
}

func TestSwitchBranchAfterCloseFails(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	fs, err := Open(context.Background(), repoDir,
		WithLocalDir(mirrorDir),
		WithEnvLookup(noEnv))
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	err = fs.SwitchBranch(context.Background(), "master")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestOpenFilesystemHandle(t *testing.T) {
	t.Parallel()

	repoDir, hashes := testRepo(t)

	fs, err := OpenFilesystem(context.Background(), osfs.New(repoDir), WithEnvLookup(noEnv))
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, hashes[2].String(), fs.Resolved().Commit)
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()

	repoDir, _ := testRepo(t)

	tests := []struct {
		name string
		opts []Option
	}{
		{name: "ref and revision together", opts: []Option{WithRef("master"), WithRevision("abc123")}},
		{name: "empty local dir", opts: []Option{WithLocalDir("")}},
		{name: "zero depth", opts: []Option{WithDepth(0)}},
		{name: "negative depth below unbounded", opts: []Option{WithDepth(-2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := append([]Option{WithEnvLookup(noEnv)}, tt.opts...)
			_, err := Open(context.Background(), repoDir, opts...)
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}
