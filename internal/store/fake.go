package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Fake is an in-memory Driver for tests. It holds store paths in a map and
// lets tests inject failures per operation.
type Fake struct {
	// Space is returned by DF.
	Space SpaceInfo

	// Error hooks; when non-nil the matching operation fails.
	StatErr    error
	DFErr      error
	CommitErr  error
	UploadErr  error
	UnstageErr error
	RemoveErr  error

	mu       sync.Mutex
	files    map[string][]byte
	stageSeq int
	uploads  []FakeUpload
}

// FakeUpload records one Upload call.
type FakeUpload struct {
	StorePath  string
	RemoteDest string
}

// NewFake builds an empty fake with a roomy disk.
func NewFake() *Fake {
	return &Fake{
		Space: SpaceInfo{Used: 0, Available: 1 << 40, Total: 1 << 40},
		files: make(map[string][]byte),
	}
}

// Put places file content at a store path.
func (f *Fake) Put(storePath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[storePath] = append([]byte(nil), data...)
}

// Has reports whether a store path exists.
func (f *Fake) Has(storePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[storePath]
	return ok
}

// Uploads returns the recorded Upload calls.
func (f *Fake) Uploads() []FakeUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeUpload(nil), f.uploads...)
}

func (f *Fake) Stat(ctx context.Context, storePath string) (PathInfo, error) {
	if f.StatErr != nil {
		return PathInfo{}, f.StatErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[storePath]
	if !ok {
		return PathInfo{}, fmt.Errorf("no such path on fake store: %s", storePath)
	}
	sum := md5.Sum(data)
	return PathInfo{
		Size: int64(len(data)),
		MD5:  hex.EncodeToString(sum[:]),
		Kind: KindFile,
	}, nil
}

func (f *Fake) DF(ctx context.Context) (SpaceInfo, error) {
	if f.DFErr != nil {
		return SpaceInfo{}, f.DFErr
	}
	return f.Space, nil
}

func (f *Fake) Stage(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageSeq++
	return fmt.Sprintf("staging/upload.%08d", f.stageSeq), nil
}

func (f *Fake) Commit(ctx context.Context, stagedPath, storePath string) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[storePath]; ok {
		return fmt.Errorf("commit %s: %w", storePath, ErrAlreadyExists)
	}
	// Rename semantics: the staged path and anything under it moves to the
	// destination. Committing a path nothing was copied to still claims the
	// destination, so offload tests can pair a recording Upload with Commit.
	moved := false
	for p, data := range f.files {
		switch {
		case p == stagedPath:
			delete(f.files, p)
			f.files[storePath] = data
			moved = true
		case strings.HasPrefix(p, stagedPath+"/"):
			delete(f.files, p)
			f.files[storePath+strings.TrimPrefix(p, stagedPath)] = data
			moved = true
		}
	}
	if !moved {
		f.files[storePath] = nil
	}
	return nil
}

func (f *Fake) Unstage(ctx context.Context, stagedPath string) error {
	if f.UnstageErr != nil {
		return f.UnstageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.files {
		if p == stagedPath || strings.HasPrefix(p, stagedPath+"/") {
			delete(f.files, p)
		}
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, storePath string) error {
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.files {
		if p == storePath || strings.HasPrefix(p, storePath+"/") {
			delete(f.files, p)
		}
	}
	return nil
}

func (f *Fake) Stream(ctx context.Context, storePath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[storePath]
	if !ok {
		return nil, fmt.Errorf("no such path on fake store: %s", storePath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) Upload(ctx context.Context, storePath, remoteDest string) error {
	if f.UploadErr != nil {
		return f.UploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[storePath]; !ok {
		return fmt.Errorf("no such path on fake store: %s", storePath)
	}
	f.uploads = append(f.uploads, FakeUpload{StorePath: storePath, RemoteDest: remoteDest})
	return nil
}
