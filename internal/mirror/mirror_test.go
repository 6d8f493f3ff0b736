package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitfs/internal/resolver"
	"github.com/stacklok/gitfs/internal/source"
	"github.com/stacklok/gitfs/internal/testutil"
	"github.com/stacklok/gitfs/pkg/errdefs"
)

func noEnv(string) (string, bool) { return "", false }

func upstream(t *testing.T) (string, []plumbing.Hash) {
	t.Helper()

	return testutil.CreateRepo(t, []testutil.Commit{
		{Files: map[string]string{"file.txt": "one"}, Message: "C1", When: time.Unix(100, 0)},
		{Files: map[string]string{"file.txt": "two"}, Message: "C2", When: time.Unix(200, 0)},
	})
}

func newManager(t *testing.T, upstreamDir, mirrorDir string, window time.Duration) *Manager {
	t.Helper()

	src, err := source.Parse(upstreamDir, source.Options{LookupEnv: noEnv})
	require.NoError(t, err)

	mgr, err := New(Config{Source: src, Dir: mirrorDir, EvictionWindow: window})
	require.NoError(t, err)
	return mgr
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	src := &source.Source{URL: "https://github.com/example/repo.git"}

	_, err := New(Config{Source: nil, Dir: "/tmp/x"})
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = New(Config{Source: src, Dir: ""})
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestEnsureReadyFreshClone(t *testing.T) {
	t.Parallel()

	upstreamDir, hashes := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)

	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))
	require.NotNil(t, mgr.Repository())

	head, err := mgr.Head()
	require.NoError(t, err)
	assert.Equal(t, hashes[1], head)

	content, err := os.ReadFile(filepath.Join(mirrorDir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(content))
}

func TestEnsureReadyReusesFreshMirror(t *testing.T) {
	t.Parallel()

	upstreamDir, hashes := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	// Upstream moves on after the first sync.
	testutil.AddToRepo(t, upstreamDir, []testutil.Commit{
		{Files: map[string]string{"file.txt": "three"}, Message: "C3", When: time.Unix(300, 0)},
	})

	// Within the eviction window the mirror is reused as-is: the remote
	// ref still points at the old tip because no fetch happened.
	mgr2 := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr2.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	tip, err := resolver.Tip(mgr2.Repository(), "master")
	require.NoError(t, err)
	assert.Equal(t, hashes[1], tip)
}

func TestEnsureReadyFetchesWhenEvicted(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	newHashes := testutil.AddToRepo(t, upstreamDir, []testutil.Commit{
		{Files: map[string]string{"file.txt": "three"}, Message: "C3", When: time.Unix(300, 0)},
	})

	// Age the mirror past the window; the next EnsureReady must fetch.
	stale := time.Now().Add(-(time.Hour + time.Minute))
	require.NoError(t, os.Chtimes(mirrorDir, stale, stale))

	mgr2 := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr2.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	tip, err := resolver.Tip(mgr2.Repository(), "master")
	require.NoError(t, err)
	assert.Equal(t, newHashes[0], tip)

	// The fetch refreshed the sync record.
	info, err := os.Stat(mirrorDir)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)
}

func TestEnsureReadyNegativeWindowAlwaysFetches(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, -1)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	newHashes := testutil.AddToRepo(t, upstreamDir, []testutil.Commit{
		{Files: map[string]string{"file.txt": "three"}, Message: "C3", When: time.Unix(300, 0)},
	})

	mgr2 := newManager(t, upstreamDir, mirrorDir, -1)
	require.NoError(t, mgr2.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	tip, err := resolver.Tip(mgr2.Repository(), "master")
	require.NoError(t, err)
	assert.Equal(t, newHashes[0], tip)
}

func TestEnsureReadyFetchFailureKeepsMirror(t *testing.T) {
	t.Parallel()

	upstreamDir, hashes := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	// Parse before the upstream disappears; the locator checks existence.
	src, err := source.Parse(upstreamDir, source.Options{LookupEnv: noEnv})
	require.NoError(t, err)

	mgr, err := New(Config{Source: src, Dir: mirrorDir, EvictionWindow: time.Hour})
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	// The upstream vanishes and the mirror ages past the window, so the
	// next EnsureReady must attempt a fetch and fail.
	require.NoError(t, os.Rename(upstreamDir, upstreamDir+".gone"))
	stale := time.Now().Add(-(time.Hour + time.Minute))
	require.NoError(t, os.Chtimes(mirrorDir, stale, stale))

	mgr2, err := New(Config{Source: src, Dir: mirrorDir, EvictionWindow: time.Hour})
	require.NoError(t, err)
	err = mgr2.EnsureReady(context.Background(), source.Selector{Ref: "master"})
	require.Error(t, err)
	assert.True(t, errdefs.IsSync(err))

	// The existing checkout stays valid and readable.
	content, readErr := os.ReadFile(filepath.Join(mirrorDir, "file.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "two", string(content))

	tip, tipErr := resolver.Tip(mgr2.Repository(), "master")
	require.NoError(t, tipErr)
	assert.Equal(t, hashes[1], tip)
}

func TestEnsureReadyRejectsOriginMismatch(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	otherDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")

	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	other := newManager(t, otherDir, mirrorDir, time.Hour)
	err := other.EnsureReady(context.Background(), source.Selector{Ref: "master"})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestEnsureReadyRejectsForeignDirectory(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mirrorDir, "unrelated.txt"), []byte("keep out"), 0o644))

	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	err := mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestEnsureReadyMissingBranch(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)

	err := mgr.EnsureReady(context.Background(), source.Selector{Ref: "no-such-branch"})
	require.Error(t, err)
	assert.True(t, errdefs.IsRevisionNotFound(err))

	// A failed clone must not leave a partial tree behind.
	_, statErr := os.Stat(mirrorDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCheckoutIdempotent(t *testing.T) {
	t.Parallel()

	upstreamDir, hashes := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	require.NoError(t, mgr.Checkout(hashes[0]))
	head, err := mgr.Head()
	require.NoError(t, err)
	require.Equal(t, hashes[0], head)

	// Remove a tracked file; a true re-checkout would restore it, the
	// idempotent no-op leaves it gone.
	require.NoError(t, os.Remove(filepath.Join(mirrorDir, "file.txt")))
	require.NoError(t, mgr.Checkout(hashes[0]))

	_, statErr := os.Stat(filepath.Join(mirrorDir, "file.txt"))
	assert.True(t, os.IsNotExist(statErr), "second checkout of the same revision must be a no-op")

	head, err = mgr.Head()
	require.NoError(t, err)
	assert.Equal(t, hashes[0], head)
}

func TestCheckoutMissingCommit(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	err := mgr.Checkout(plumbing.NewHash("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	require.Error(t, err)
	assert.True(t, errdefs.IsRevisionNotFound(err))
}

func TestEnsureRefFetchesMissingBranch(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	branchHashes := testutil.CreateBranch(t, upstreamDir, "feature", []testutil.Commit{
		{Files: map[string]string{"feature.txt": "wip"}, Message: "feature work", When: time.Unix(400, 0)},
	})

	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	// The single-branch clone does not know the feature branch yet.
	_, err := resolver.Tip(mgr.Repository(), "feature")
	require.Error(t, err)

	require.NoError(t, mgr.EnsureRef(context.Background(), "feature"))

	tip, err := resolver.Tip(mgr.Repository(), "feature")
	require.NoError(t, err)
	assert.Equal(t, branchHashes[0], tip)

	// Already-known refs are a no-op.
	require.NoError(t, mgr.EnsureRef(context.Background(), "feature"))
}

func TestEnsureRefUnknownRef(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	err := mgr.EnsureRef(context.Background(), "no-such-ref")
	require.Error(t, err)
	assert.True(t, errdefs.IsRevisionNotFound(err))
}

func TestRemove(t *testing.T) {
	t.Parallel()

	upstreamDir, _ := upstream(t)
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	mgr := newManager(t, upstreamDir, mirrorDir, time.Hour)
	require.NoError(t, mgr.EnsureReady(context.Background(), source.Selector{Ref: "master"}))

	require.NoError(t, mgr.Remove())

	_, err := os.Stat(mirrorDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(mirrorDir + ".lock")
	assert.True(t, os.IsNotExist(err))
}
