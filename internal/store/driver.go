// Package store talks to the machines that hold file data. Each store is a
// host plus a path prefix; the librarian reaches it either through local
// shell commands or over SSH, running the same commands either way.
package store

import (
	"context"
	"errors"
	"io"
)

// Kind distinguishes plain files from directory-shaped data sets.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// PathInfo describes one path on a store.
type PathInfo struct {
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
	Kind Kind   `json:"type"`
}

// SpaceInfo reports disk usage under a store's prefix, in bytes.
type SpaceInfo struct {
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
	Total     int64 `json:"total"`
}

var (
	// ErrAlreadyExists reports that a commit target is already occupied.
	ErrAlreadyExists = errors.New("destination path already exists on store")

	// ErrInsufficientCapacity reports that no available store can hold the
	// requested number of bytes.
	ErrInsufficientCapacity = errors.New("no store has sufficient capacity")
)

// Driver is the low-level interface to one store's disk. All paths are
// relative to the store's path prefix. Implementations must be safe for
// concurrent use.
type Driver interface {
	// Stat returns size, digest and kind for a store path.
	Stat(ctx context.Context, storePath string) (PathInfo, error)

	// DF reports disk usage under the store prefix. Uncached; callers go
	// through Entry.SpaceInfo for the cached view.
	DF(ctx context.Context) (SpaceInfo, error)

	// Stage creates a fresh staging directory and returns its store-relative
	// path. Uploads land there first so a crashed transfer never pollutes
	// the store proper.
	Stage(ctx context.Context) (string, error)

	// Commit atomically moves a staged path to its final store path,
	// creating parent directories. Fails with ErrAlreadyExists if the
	// target is occupied.
	Commit(ctx context.Context, stagedPath, storePath string) error

	// Unstage removes staging artifacts. Idempotent.
	Unstage(ctx context.Context, stagedPath string) error

	// Remove deletes a store path outright. Callers pair this with the
	// matching catalog record removal.
	Remove(ctx context.Context, storePath string) error

	// Stream opens a store path for reading.
	Stream(ctx context.Context, storePath string) (io.ReadCloser, error)

	// Upload ships a store path to a remote scp destination
	// ("host:path"). The copy runs on the store host itself.
	Upload(ctx context.Context, storePath, remoteDest string) error
}
