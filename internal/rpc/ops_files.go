package rpc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/search"
)

func (s *Server) handlePing(ctx context.Context, source string, a args) (map[string]any, error) {
	return map[string]any{"message": "hello"}, nil
}

func (s *Server) handleCreateFileEvent(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	eventType, err := a.str("type")
	if err != nil {
		return nil, err
	}
	payload, err := a.optObj("payload")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.AddEvent(ctx, name, eventType, payload); err != nil {
		return nil, err
	}
	// New events can satisfy standing orders that subtract by event type.
	s.queueCheck()
	return map[string]any{}, nil
}

func (s *Server) handleLocateFileInstance(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	iw, err := s.deps.Catalog.AnyInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"full_path":   iw.FullPath(),
		"store_name":  iw.Store.Name,
		"ssh_host":    iw.Store.SSHHost,
		"path_prefix": iw.Store.PathPrefix,
		"store_path":  iw.Instance.StorePath(),
	}, nil
}

func (s *Server) handleSetOneDeletionPolicy(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	policyText, err := a.str("deletion_policy")
	if err != nil {
		return nil, err
	}
	policy, err := catalog.ParseDeletionPolicy(policyText)
	if err != nil {
		return nil, err
	}
	restrict, err := s.restrictStoreID(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.SetOneDeletionPolicy(ctx, name, policy, restrict); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleDeleteFileInstances(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	mode, err := a.optStr("mode", "standard")
	if err != nil {
		return nil, err
	}
	restrict, err := s.restrictStoreID(ctx, a)
	if err != nil {
		return nil, err
	}
	stats, err := s.deps.Catalog.DeleteInstances(ctx, name, mode, restrict, s.removeInstanceBytes(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]any{"stats": stats}, nil
}

func (s *Server) handleDeleteMatchingQuery(ctx context.Context, source string, a args) (map[string]any, error) {
	queryText, err := a.str("query")
	if err != nil {
		return nil, err
	}
	mode, err := a.optStr("mode", "standard")
	if err != nil {
		return nil, err
	}
	restrict, err := s.restrictStoreID(ctx, a)
	if err != nil {
		return nil, err
	}

	q, err := search.Compile(queryText, search.ModeNames)
	if err != nil {
		return nil, err
	}
	names, err := s.deps.Catalog.NamesMatching(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}

	perFile := make(map[string]catalog.DeleteStats, len(names))
	var totalDeleted, totalKept int
	remove := s.removeInstanceBytes(ctx)
	for _, name := range names {
		stats, err := s.deps.Catalog.DeleteInstances(ctx, name, mode, restrict, remove)
		if err != nil {
			// Files with no local instances are fine in a query-driven bulk
			// delete; anything else aborts.
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return nil, err
		}
		perFile[name] = stats
		totalDeleted += stats.Deleted
		totalKept += stats.Kept
	}
	return map[string]any{
		"stats":     perFile,
		"n_deleted": totalDeleted,
		"n_kept":    totalKept,
	}, nil
}

func (s *Server) handleRegisterInstances(ctx context.Context, source string, a args) (map[string]any, error) {
	storeName, err := a.str("store_name")
	if err != nil {
		return nil, err
	}
	fileInfo, err := a.obj("file_info")
	if err != nil {
		return nil, err
	}
	st, err := s.deps.Catalog.GetStore(ctx, storeName)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(fileInfo))
	for p := range fileInfo {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var created int
	for _, p := range paths {
		info, ok := fileInfo[p].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: file_info entry for %q must be an object",
				catalog.ErrBadRequest, p)
		}
		parentDirs, name, err := splitStorePath(st.PathPrefix, p)
		if err != nil {
			return nil, err
		}
		if err := s.ensureFileRecord(ctx, source, name, info); err != nil {
			return nil, fmt.Errorf("registering %q: %w", p, err)
		}
		isNew, err := s.deps.Catalog.RegisterInstance(ctx, st.ID, parentDirs, name)
		if err != nil {
			return nil, err
		}
		if isNew {
			created++
		}
	}

	s.queueCheck()
	return map[string]any{"n_new_instances": created}, nil
}

// ensureFileRecord creates the File behind a new instance when the catalog
// has not seen the name before. Metadata comes from the caller's stat info;
// the obsid is taken from the info when present, inferred from the name
// otherwise.
func (s *Server) ensureFileRecord(ctx context.Context, source, name string, info map[string]any) error {
	_, err := s.deps.Catalog.GetFile(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	ia := args(info)
	size, err := ia.int64("size")
	if err != nil {
		return err
	}
	md5, err := ia.str("md5")
	if err != nil {
		return err
	}
	fileType, err := ia.optStr("type", typeFromName(name))
	if err != nil {
		return err
	}
	obsidPtr, err := ia.optInt64("obsid")
	if err != nil {
		return err
	}
	if obsidPtr == nil {
		inferred, err := s.deps.Obsid.Infer(ctx, name)
		if err != nil {
			return err
		}
		obsidPtr = &inferred
	}

	f := &catalog.File{
		Name:   name,
		Type:   fileType,
		Source: source,
		Size:   size,
		MD5:    md5,
		Obsid:  obsidPtr,
	}
	if err := s.deps.Catalog.CreateFile(ctx, f); err != nil {
		return err
	}

	// When the caller knows the observation's start time, make sure the
	// observation record exists too.
	if startJD, err := ia.optFloat("start_time_jd"); err == nil && startJD != nil {
		if _, err := s.deps.Catalog.GetObservation(ctx, *obsidPtr); errors.Is(err, catalog.ErrNotFound) {
			obs := &catalog.Observation{Obsid: *obsidPtr, StartTimeJD: *startJD}
			if err := s.deps.Catalog.UpsertObservation(ctx, obs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) handleCreateFileRecord(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	size, err := a.int64("size")
	if err != nil {
		return nil, err
	}
	md5, err := a.str("md5")
	if err != nil {
		return nil, err
	}
	fileType, err := a.optStr("type", typeFromName(name))
	if err != nil {
		return nil, err
	}
	src, err := a.optStr("source", source)
	if err != nil {
		return nil, err
	}
	obsidPtr, err := a.optInt64("obsid")
	if err != nil {
		return nil, err
	}
	if obsidPtr == nil {
		// Inference is best-effort here; a file with no obsid is legal.
		if inferred, err := s.deps.Obsid.Infer(ctx, name); err == nil {
			obsidPtr = &inferred
		}
	}

	f := &catalog.File{
		Name:   name,
		Type:   fileType,
		Source: src,
		Size:   size,
		MD5:    md5,
		Obsid:  obsidPtr,
	}
	if err := s.deps.Catalog.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return map[string]any{"file": f.Record()}, nil
}

func (s *Server) handleGatherFileRecord(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("file_name")
	if err != nil {
		return nil, err
	}
	info, err := s.deps.Catalog.GatherRecords(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"record_info": info}, nil
}

// restrictStoreID resolves the optional restrict_to_store argument, given as
// a store name, to the store's id.
func (s *Server) restrictStoreID(ctx context.Context, a args) (*int64, error) {
	name, err := a.optStr("restrict_to_store", "")
	if err != nil || name == "" {
		return nil, err
	}
	st, err := s.deps.Catalog.GetStore(ctx, name)
	if err != nil {
		return nil, err
	}
	return &st.ID, nil
}

// removeInstanceBytes builds the callback DeleteInstances uses to remove the
// bytes behind a record.
func (s *Server) removeInstanceBytes(ctx context.Context) func(catalog.FileInstance) error {
	return func(fi catalog.FileInstance) error {
		entry, ok := s.deps.Stores.ByID(fi.StoreID)
		if !ok {
			return fmt.Errorf("%w: no driver for store id %d", ErrStoreUnavailable, fi.StoreID)
		}
		if err := entry.Driver.Remove(ctx, fi.StorePath()); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}
}

// splitStorePath turns a caller-supplied path into (parent_dirs, name). An
// absolute path is accepted when it sits under the store's prefix.
func splitStorePath(prefix, p string) (string, string, error) {
	if path.IsAbs(p) {
		rel := strings.TrimPrefix(p, strings.TrimSuffix(prefix, "/")+"/")
		if rel == p {
			return "", "", fmt.Errorf("%w: path %q is outside the store prefix",
				catalog.ErrBadRequest, p)
		}
		p = rel
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", "", fmt.Errorf("%w: unusable store path %q", catalog.ErrBadRequest, p)
	}
	dir := path.Dir(cleaned)
	if dir == "." {
		dir = ""
	}
	return dir, path.Base(cleaned), nil
}

// typeFromName falls back to the text after the final dot.
func typeFromName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return "unknown"
}

func (s *Server) queueCheck() {
	if s.deps.Replication != nil {
		s.deps.Replication.QueueCheck()
	}
}
