package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/logging"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", quote("plain"))
	assert.Equal(t, "'with space'", quote("with space"))
	assert.Equal(t, `'it'\''s'`, quote("it's"))
	assert.Equal(t, "'a;rm -rf /'", quote("a;rm -rf /"))
}

func TestFullPathRejectsEscapes(t *testing.T) {
	d := newShellDriver(localShell{}, "/data")

	_, err := d.fullPath("/etc/passwd")
	assert.ErrorContains(t, err, "must not be absolute")

	_, err = d.fullPath("../outside")
	assert.ErrorContains(t, err, "escapes the store prefix")

	_, err = d.fullPath("a/../../outside")
	assert.ErrorContains(t, err, "escapes the store prefix")

	full, err := d.fullPath("2457000/zen.uv")
	require.NoError(t, err)
	assert.Equal(t, "/data/2457000/zen.uv", full)
}

// newLocalDriver builds a shell driver over a temp dir, exercising the same
// command strings the SSH driver would run remotely.
func newLocalDriver(t *testing.T) (*shellDriver, string) {
	t.Helper()
	prefix := t.TempDir()
	return newShellDriver(localShell{}, prefix), prefix
}

func TestLocalStatFile(t *testing.T) {
	d, prefix := newLocalDriver(t)
	content := []byte("correlator output\n")
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "2457000"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "2457000", "zen.uv"), content, 0o644))

	info, err := d.Stat(context.Background(), "2457000/zen.uv")
	require.NoError(t, err)
	assert.Equal(t, KindFile, info.Kind)
	assert.Equal(t, int64(len(content)), info.Size)
	sum := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.MD5)
}

func TestLocalStatDirectory(t *testing.T) {
	d, prefix := newLocalDriver(t)
	dir := filepath.Join(prefix, "zen.uv")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visdata"), []byte("0123456789"), 0o644))

	info, err := d.Stat(context.Background(), "zen.uv")
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, info.Kind)
	assert.Greater(t, info.Size, int64(0))
	assert.Len(t, info.MD5, 32)
}

func TestLocalStatMissing(t *testing.T) {
	d, _ := newLocalDriver(t)
	_, err := d.Stat(context.Background(), "nope")
	assert.Error(t, err)
}

func TestLocalStageCommitUnstage(t *testing.T) {
	d, prefix := newLocalDriver(t)
	ctx := context.Background()

	staged, err := d.Stage(ctx)
	require.NoError(t, err)
	assert.True(t, filepath.IsLocal(staged))
	assert.DirExists(t, filepath.Join(prefix, staged))

	// Drop a payload into the staging dir and commit it.
	payload := filepath.Join(prefix, staged, "zen.uv")
	require.NoError(t, os.WriteFile(payload, []byte("data"), 0o644))
	require.NoError(t, d.Commit(ctx, staged+"/zen.uv", "2457000/zen.uv"))
	assert.FileExists(t, filepath.Join(prefix, "2457000", "zen.uv"))

	// Committing over an occupied target reports AlreadyExists.
	staged2, err := d.Stage(ctx)
	require.NoError(t, err)
	payload2 := filepath.Join(prefix, staged2, "zen.uv")
	require.NoError(t, os.WriteFile(payload2, []byte("other"), 0o644))
	err = d.Commit(ctx, staged2+"/zen.uv", "2457000/zen.uv")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Unstage is idempotent and refuses paths outside the staging area.
	require.NoError(t, d.Unstage(ctx, staged2))
	require.NoError(t, d.Unstage(ctx, staged2))
	assert.NoDirExists(t, filepath.Join(prefix, staged2))
	assert.ErrorContains(t, d.Unstage(ctx, "2457000/zen.uv"), "refusing to unstage")
}

func TestLocalStream(t *testing.T) {
	d, prefix := newLocalDriver(t)
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "zen.uv"), []byte("streamed"), 0o644))

	rc, err := d.Stream(context.Background(), "zen.uv")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "streamed", string(data))
}

func TestLocalDF(t *testing.T) {
	d, _ := newLocalDriver(t)
	info, err := d.DF(context.Background())
	require.NoError(t, err)
	assert.Greater(t, info.Total, int64(0))
	assert.Equal(t, info.Total, info.Used+info.Available)
}

func newFakeRegistry(t *testing.T, now func() time.Time) (*Registry, map[string]*Fake) {
	t.Helper()
	fakes := make(map[string]*Fake)
	opts := []RegistryOption{
		WithDriverFactory(func(st catalog.Store) Driver {
			f := NewFake()
			fakes[st.Name] = f
			return f
		}),
	}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	return NewRegistry(logging.Discard(), opts...), fakes
}

func TestRecommendedPicksMostFreeSpace(t *testing.T) {
	r, fakes := newFakeRegistry(t, nil)
	r.Add(catalog.Store{ID: 1, Name: "pot1", PathPrefix: "/pot1data", Available: true})
	r.Add(catalog.Store{ID: 2, Name: "pot2", PathPrefix: "/pot2data", Available: true})
	r.Add(catalog.Store{ID: 3, Name: "pot3", PathPrefix: "/pot3data", Available: false})

	fakes["pot1"].Space = SpaceInfo{Available: 100, Total: 1000, Used: 900}
	fakes["pot2"].Space = SpaceInfo{Available: 500, Total: 1000, Used: 500}
	fakes["pot3"].Space = SpaceInfo{Available: 9000, Total: 9000}

	// pot3 has the most room but is unavailable.
	e, err := r.Recommended(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, "pot2", e.Store.Name)

	_, err = r.Recommended(context.Background(), 501)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	_, err = r.Recommended(context.Background(), -1)
	assert.ErrorContains(t, err, "nonnegative")
}

func TestRecommendedSkipsFailingStores(t *testing.T) {
	r, fakes := newFakeRegistry(t, nil)
	r.Add(catalog.Store{ID: 1, Name: "pot1", Available: true})
	r.Add(catalog.Store{ID: 2, Name: "pot2", Available: true})

	fakes["pot1"].DFErr = errors.New("host unreachable")
	fakes["pot2"].Space = SpaceInfo{Available: 300, Total: 300}

	e, err := r.Recommended(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "pot2", e.Store.Name)
}

func TestSpaceInfoCaching(t *testing.T) {
	clock := time.Date(2017, 6, 15, 12, 0, 0, 0, time.UTC)
	r, fakes := newFakeRegistry(t, func() time.Time { return clock })
	r.Add(catalog.Store{ID: 1, Name: "pot1", Available: true})

	f := fakes["pot1"]
	f.Space = SpaceInfo{Available: 100, Total: 100}

	e, ok := r.Get("pot1")
	require.True(t, ok)

	info, err := e.SpaceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Available)

	// Within the cache lifetime the stale reading is served.
	f.Space = SpaceInfo{Available: 42, Total: 100, Used: 58}
	clock = clock.Add(29 * time.Second)
	info, err = e.SpaceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Available)

	// Past the lifetime the store is asked again.
	clock = clock.Add(2 * time.Second)
	info, err = e.SpaceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Available)
}

func TestRegistryLookups(t *testing.T) {
	r, _ := newFakeRegistry(t, nil)
	r.Add(catalog.Store{ID: 7, Name: "pot2", Available: true})
	r.Add(catalog.Store{ID: 3, Name: "pot1", Available: true})

	e, ok := r.ByID(7)
	require.True(t, ok)
	assert.Equal(t, "pot2", e.Store.Name)
	_, ok = r.ByID(99)
	assert.False(t, ok)

	names := []string{}
	for _, e := range r.List() {
		names = append(names, e.Store.Name)
	}
	assert.Equal(t, []string{"pot1", "pot2"}, names)

	require.True(t, r.SetAvailable("pot1", false))
	e, _ = r.Get("pot1")
	assert.False(t, e.Store.Available)
	assert.False(t, r.SetAvailable("ghost", false))
}

func TestProbe(t *testing.T) {
	r, fakes := newFakeRegistry(t, nil)
	r.Add(catalog.Store{ID: 1, Name: "pot1", Available: true})
	r.Add(catalog.Store{ID: 2, Name: "pot2", Available: true})
	fakes["pot2"].DFErr = errors.New("connection refused")

	result := r.Probe(context.Background())
	assert.NoError(t, result["pot1"])
	assert.ErrorContains(t, result["pot2"], "connection refused")
}

func TestFakeDriverRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	staged, err := f.Stage(ctx)
	require.NoError(t, err)
	f.Put(staged+"/zen.uv", []byte("payload"))

	require.NoError(t, f.Commit(ctx, staged+"/zen.uv", "2457000/zen.uv"))
	assert.True(t, f.Has("2457000/zen.uv"))
	assert.False(t, f.Has(staged+"/zen.uv"))

	info, err := f.Stat(ctx, "2457000/zen.uv")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	err = f.Commit(ctx, staged+"/zen.uv", "2457000/zen.uv")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, f.Upload(ctx, "2457000/zen.uv", "peer:/data/2457000/zen.uv"))
	require.Len(t, f.Uploads(), 1)
	assert.Equal(t, "peer:/data/2457000/zen.uv", f.Uploads()[0].RemoteDest)
}
