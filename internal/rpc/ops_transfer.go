package rpc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/store"
)

func (s *Server) handleLaunchFileCopy(ctx context.Context, source string, a args) (map[string]any, error) {
	fileName, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	connName, err := a.str("connection_name")
	if err != nil {
		return nil, err
	}
	remotePath, err := a.optStr("remote_store_path", "")
	if err != nil {
		return nil, err
	}
	// Accepted for wire compatibility; the upload always restages.
	if a.has("known_staging_store") || a.has("known_staging_subdir") {
		s.logger.Debug("ignoring known staging hints", "file", fileName)
	}
	if s.deps.Replication == nil {
		return nil, fmt.Errorf("replication is not running")
	}
	if err := s.deps.Replication.LaunchCopy(ctx, fileName, connName, remotePath); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleInitiateOffload(ctx context.Context, source string, a args) (map[string]any, error) {
	srcName, err := a.str("source_store_name")
	if err != nil {
		return nil, err
	}
	dstName, err := a.str("dest_store_name")
	if err != nil {
		return nil, err
	}
	outcome, count, err := s.deps.Offload.Initiate(ctx, srcName, dstName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"outcome": outcome, "instance_count": count}, nil
}

func (s *Server) handleRecommendedStore(ctx context.Context, source string, a args) (map[string]any, error) {
	size, err := a.int64("file_size")
	if err != nil {
		return nil, err
	}
	entry, err := s.deps.Stores.Recommended(ctx, size)
	if err != nil {
		return nil, err
	}
	info, err := entry.SpaceInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return map[string]any{
		"name":        entry.Store.Name,
		"ssh_host":    entry.Store.SSHHost,
		"path_prefix": entry.Store.PathPrefix,
		"available":   info.Available,
	}, nil
}

// handleInitiateUpload starts the receiving half of a librarian-to-librarian
// copy: ingest the sender's records, pick a store, and open a staging
// directory the sender can scp into.
func (s *Server) handleInitiateUpload(ctx context.Context, source string, a args) (map[string]any, error) {
	size, err := a.int64("upload_size")
	if err != nil {
		return nil, err
	}
	recInfoRaw, err := a.optObj("rec_info")
	if err != nil {
		return nil, err
	}
	if recInfoRaw != nil {
		var info catalog.RecInfo
		if err := decodeInto("rec_info", recInfoRaw, &info); err != nil {
			return nil, err
		}
		if err := s.deps.Catalog.UpsertRecords(ctx, &info, source); err != nil {
			return nil, err
		}
	}

	entry, err := s.deps.Stores.Recommended(ctx, size)
	if err != nil {
		return nil, err
	}
	staged, err := entry.Driver.Stage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return map[string]any{
		"name":        entry.Store.Name,
		"ssh_host":    entry.Store.SSHHost,
		"path_prefix": entry.Store.PathPrefix,
		"staging_dir": path.Join(entry.Store.PathPrefix, staged),
	}, nil
}

// handleCompleteUpload verifies a staged upload against its catalog record
// and commits it to its final path.
func (s *Server) handleCompleteUpload(ctx context.Context, source string, a args) (map[string]any, error) {
	storeName, err := a.str("store_name")
	if err != nil {
		return nil, err
	}
	stagingDir, err := a.str("staging_dir")
	if err != nil {
		return nil, err
	}
	destPath, err := a.str("dest_store_path")
	if err != nil {
		return nil, err
	}
	metaMode, err := a.optStr("meta_mode", "direct")
	if err != nil {
		return nil, err
	}

	entry, ok := s.deps.Stores.Get(storeName)
	if !ok {
		return nil, fmt.Errorf("%w: no such store %q", catalog.ErrNotFound, storeName)
	}
	st := entry.Store

	stagedRel := strings.TrimPrefix(stagingDir, strings.TrimSuffix(st.PathPrefix, "/")+"/")
	if path.IsAbs(stagedRel) {
		return nil, fmt.Errorf("%w: staging dir %q is not on store %q",
			catalog.ErrBadRequest, stagingDir, storeName)
	}
	parentDirs, name, err := splitStorePath(st.PathPrefix, destPath)
	if err != nil {
		return nil, err
	}
	stagedItem := stagedRel + "/" + name

	info, err := entry.Driver.Stat(ctx, stagedItem)
	if err != nil {
		return nil, fmt.Errorf("%w: staged upload is unreadable: %v", ErrStoreUnavailable, err)
	}

	switch metaMode {
	case "direct":
		// The sender shipped records first; the staged bytes must match them.
		f, err := s.deps.Catalog.GetFile(ctx, name)
		if err != nil {
			return nil, err
		}
		if f.Size != info.Size || f.MD5 != info.MD5 {
			_ = entry.Driver.Unstage(ctx, stagedRel)
			return nil, fmt.Errorf("%w: staged upload of %q does not match its record"+
				" (got size %d md5 %s, want size %d md5 %s)",
				catalog.ErrBadRequest, name, info.Size, info.MD5, f.Size, f.MD5)
		}
	case "infer":
		infoMap := map[string]any{
			"size": float64(info.Size),
			"md5":  info.MD5,
		}
		if err := s.ensureFileRecord(ctx, source, name, infoMap); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown meta_mode %q", catalog.ErrBadRequest, metaMode)
	}

	err = entry.Driver.Commit(ctx, stagedItem, path.Join(parentDirs, name))
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: commit failed: %v", ErrStoreUnavailable, err)
	}
	// An occupied destination with a matching registered instance means a
	// duplicate of an upload that already succeeded.
	if _, err := s.deps.Catalog.RegisterInstance(ctx, st.ID, parentDirs, name); err != nil {
		return nil, err
	}
	if err := entry.Driver.Unstage(ctx, stagedRel); err != nil {
		s.logger.Warn("failed to clean staging dir", "store", storeName,
			"staging_dir", stagedRel, "error", err)
	}

	s.queueCheck()
	return map[string]any{}, nil
}
