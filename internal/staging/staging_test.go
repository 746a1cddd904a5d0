package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/tasks"
)

func TestEnsureDirsGW(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "a", "b", "c")

	require.NoError(t, EnsureDirsGW(target))

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, os.FileMode(0o070), st.Mode().Perm()&0o070, "deepest dir must be group rwx")
	assert.NotZero(t, st.Mode()&os.ModeSetgid, "deepest dir must be setgid")

	// Idempotent on an existing tree.
	require.NoError(t, EnsureDirsGW(target))
}

func TestCopyFileTreeFile(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src.txt")
	dst := filepath.Join(base, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("visibility data"), 0o444))

	require.NoError(t, CopyFileTree(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "visibility data", string(data))

	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o220), st.Mode().Perm()&0o220, "copies must be user/group writable")
}

func TestCopyFileTreeDirectory(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "zen.uv")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "visdata"), []byte("vis"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "flags"), []byte("fl"), 0o644))

	dst := filepath.Join(base, "staged.uv")
	require.NoError(t, CopyFileTree(src, dst))

	assert.FileExists(t, filepath.Join(dst, "visdata"))
	assert.FileExists(t, filepath.Join(dst, "sub", "flags"))

	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&os.ModeSetgid)
}

func TestPrepareDestConflictAndStaleSentinels(t *testing.T) {
	dest := t.TempDir()

	// Leftovers from an earlier operation must be cleared.
	require.NoError(t, os.WriteFile(filepath.Join(dest, sentinelSucceeded), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, sentinelErrors), []byte("old"), 0o644))

	require.NoError(t, prepareDest(dest))
	assert.FileExists(t, filepath.Join(dest, sentinelInProgress))
	assert.NoFileExists(t, filepath.Join(dest, sentinelSucceeded))
	assert.NoFileExists(t, filepath.Join(dest, sentinelErrors))

	// A concurrent stage into the same directory is refused, and the
	// existing lock is untouched.
	err := prepareDest(dest)
	assert.ErrorIs(t, err, ErrStagingInProgress)
	assert.FileExists(t, filepath.Join(dest, sentinelInProgress))
}

func newStagerTask(t *testing.T, dest string, items []StageItem, chown func(context.Context, []string) error) *StagerTask {
	t.Helper()
	if chown == nil {
		chown = func(context.Context, []string) error { return nil }
	}
	return &StagerTask{
		logger:       logging.Discard(),
		dest:         dest,
		items:        items,
		user:         "alice",
		chownCommand: []string{"librarian-chown"},
		runChown:     chown,
		started:      time.Now(),
	}
}

func TestStagerTaskSuccess(t *testing.T) {
	storePrefix := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(storePrefix, "2457000"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(storePrefix, "2457000", "zen.uv"), []byte("data"), 0o644))

	require.NoError(t, prepareDest(dest))

	var chownArgs []string
	task := newStagerTask(t, dest,
		[]StageItem{{StorePrefix: storePrefix, ParentDirs: "2457000", Name: "zen.uv"}},
		func(_ context.Context, argv []string) error {
			chownArgs = argv
			return nil
		})

	err := task.Work(context.Background())
	task.Wrapup(err)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dest, "2457000", "zen.uv"))
	assert.FileExists(t, filepath.Join(dest, sentinelSucceeded))
	assert.NoFileExists(t, filepath.Join(dest, sentinelInProgress))
	assert.Equal(t, []string{"librarian-chown", "-u", "alice", "-R", "-d", dest}, chownArgs)
}

func TestStagerTaskFailureWritesErrors(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, prepareDest(dest))

	task := newStagerTask(t, dest,
		[]StageItem{{StorePrefix: "/nonexistent", ParentDirs: "x", Name: "ghost.uv"}}, nil)

	err := task.Work(context.Background())
	task.Wrapup(err)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(dest, sentinelSucceeded))
	assert.NoFileExists(t, filepath.Join(dest, sentinelInProgress))

	content, readErr := os.ReadFile(filepath.Join(dest, sentinelErrors))
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "ghost.uv")
}

func TestStagerTaskChownFailure(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, prepareDest(dest))

	task := newStagerTask(t, dest, nil,
		func(context.Context, []string) error { return errors.New("chown helper exploded") })

	err := task.Work(context.Background())
	task.Wrapup(err)
	require.Error(t, err)

	content, readErr := os.ReadFile(filepath.Join(dest, sentinelErrors))
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "chown helper exploded")
}

func newTestStager(t *testing.T) (*Stager, *catalog.Catalog, int64, string, string) {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	storePrefix := t.TempDir()
	st := &catalog.Store{Name: "raid1", PathPrefix: storePrefix, SSHHost: "herastore01", Available: true}
	storeID, err := cat.EnsureStore(ctx, st)
	require.NoError(t, err)

	mgr := tasks.New(1, logging.Discard())
	mgr.Start(ctx)
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Drain(dctx)
	})

	destPrefix := t.TempDir()
	cfg := &config.StagingConfig{
		DestPrefix:   destPrefix,
		SSHHost:      "herastore01",
		ChownCommand: []string{"librarian-chown"},
	}
	s := New(cfg, cat, mgr, logging.Discard(),
		WithUserLookup(func(name string) error {
			if name != "alice" {
				return errors.New("no such user")
			}
			return nil
		}),
		WithChownRunner(func(context.Context, []string) error { return nil }))

	return s, cat, storeID, storePrefix, destPrefix
}

func TestLaunchStagesMatchingFiles(t *testing.T) {
	s, cat, storeID, storePrefix, destPrefix := newTestStager(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(storePrefix, "2457000"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(storePrefix, "2457000", "zen.uv"), []byte("12345"), 0o644))

	f := &catalog.File{
		Name: "zen.uv", Type: "uv", Source: "correlator", Size: 5,
		MD5: "d41d8cd98f00b204e9800998ecf8427e",
	}
	require.NoError(t, cat.CreateFile(ctx, f))
	_, err := cat.RegisterInstance(ctx, storeID, "2457000", "zen.uv")
	require.NoError(t, err)

	dest, n, nBytes, err := s.Launch(ctx, "alice", `{"name-matches": "zen%"}`, "proj1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destPrefix, "proj1"), dest)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), nBytes)

	require.Eventually(t, func() bool {
		return s.mgr.UnfinishedCount() == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.FileExists(t, filepath.Join(dest, "2457000", "zen.uv"))
	assert.FileExists(t, filepath.Join(dest, sentinelSucceeded))
	assert.NoFileExists(t, filepath.Join(dest, sentinelInProgress))
}

func TestLaunchValidation(t *testing.T) {
	s, _, _, _, destPrefix := newTestStager(t)
	ctx := context.Background()

	_, _, _, err := s.Launch(ctx, "mallory", `{"always-true": true}`, "proj1")
	assert.ErrorContains(t, err, "not recognized")

	_, _, _, err = s.Launch(ctx, "alice", `{"always-true": true}`, "/elsewhere/proj1")
	assert.ErrorContains(t, err, "subdirectory")

	_, _, _, err = s.Launch(ctx, "alice", `this is not json`, "proj1")
	assert.Error(t, err)

	// A busy destination is refused at launch time.
	busy := filepath.Join(destPrefix, "busy")
	require.NoError(t, EnsureDirsGW(busy))
	require.NoError(t, prepareDest(busy))
	_, _, _, err = s.Launch(ctx, "alice", `{"always-false": true}`, "busy")
	assert.ErrorIs(t, err, ErrStagingInProgress)
}
