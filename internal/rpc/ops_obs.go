package rpc

import (
	"context"
	"fmt"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/search"
)

func (s *Server) handleUpsertObservation(ctx context.Context, source string, a args) (map[string]any, error) {
	obsid, err := a.int64("obsid")
	if err != nil {
		return nil, err
	}
	startJD, err := a.float("start_time_jd")
	if err != nil {
		return nil, err
	}
	stopJD, err := a.optFloat("stop_time_jd")
	if err != nil {
		return nil, err
	}
	startLST, err := a.optFloat("start_lst_hr")
	if err != nil {
		return nil, err
	}
	obs := &catalog.Observation{
		Obsid:       obsid,
		StartTimeJD: startJD,
		StopTimeJD:  stopJD,
		StartLSTHr:  startLST,
	}
	if err := s.deps.Catalog.UpsertObservation(ctx, obs); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleAssignSessions(ctx context.Context, source string, a args) (map[string]any, error) {
	minJD, err := a.optFloat("minimum_start_jd")
	if err != nil {
		return nil, err
	}
	maxJD, err := a.optFloat("maximum_start_jd")
	if err != nil {
		return nil, err
	}
	created, err := s.deps.Catalog.AssignObservingSessions(ctx, minJD, maxJD)
	if err != nil {
		return nil, err
	}
	if created == nil {
		created = []catalog.NewSession{}
	}
	return map[string]any{"new_sessions": created}, nil
}

func (s *Server) handleDescribeSession(ctx context.Context, source string, a args) (map[string]any, error) {
	src, err := a.str("source")
	if err != nil {
		return nil, err
	}
	eventType, err := a.str("event_type")
	if err != nil {
		return nil, err
	}
	sessionID, records, found, err := s.deps.Catalog.SessionWithoutEvent(ctx, src, eventType)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"any_matching": false}, nil
	}
	return map[string]any{
		"any_matching": true,
		"session_id":   sessionID,
		"records":      records,
	}, nil
}

// Search output formats. Staging is requested separately through stage_user
// and stage_dest, alongside any format.
const (
	formatFullFile      = "full-file"
	formatFileName      = "file-name"
	formatObs           = "obs"
	formatSession       = "session"
	formatInstanceStore = "instance-store"
)

func (s *Server) handleSearch(ctx context.Context, source string, a args) (map[string]any, error) {
	searchText, err := a.str("search")
	if err != nil {
		return nil, err
	}
	format, err := a.optStr("output_format", formatFullFile)
	if err != nil {
		return nil, err
	}
	stageUser, err := a.optStr("stage_user", "")
	if err != nil {
		return nil, err
	}
	stageDest, err := a.optStr("stage_dest", "")
	if err != nil {
		return nil, err
	}

	if stageUser != "" || stageDest != "" {
		if stageUser == "" || stageDest == "" {
			return nil, fmt.Errorf("%w: stage_user and stage_dest must be given together",
				catalog.ErrBadRequest)
		}
		if s.deps.Config.ReadOnly() {
			return nil, fmt.Errorf("%w: this librarian is read-only", catalog.ErrBadRequest)
		}
		if s.deps.Staging == nil {
			return nil, fmt.Errorf("%w: local disk staging is not configured", catalog.ErrBadRequest)
		}
		dest, n, nBytes, err := s.deps.Staging.Launch(ctx, stageUser, searchText, stageDest)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"destination": dest,
			"n_instances": n,
			"n_bytes":     nBytes,
		}, nil
	}

	switch format {
	case formatFullFile:
		q, err := search.Compile(searchText, search.ModeFiles)
		if err != nil {
			return nil, err
		}
		files, err := s.deps.Catalog.FilesMatching(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, err
		}
		out := make([]catalog.FileRecord, 0, len(files))
		for i := range files {
			out = append(out, files[i].Record())
		}
		return map[string]any{"results": out}, nil

	case formatFileName:
		q, err := search.Compile(searchText, search.ModeNames)
		if err != nil {
			return nil, err
		}
		names, err := s.deps.Catalog.NamesMatching(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return map[string]any{"results": names}, nil

	case formatObs:
		q, err := search.Compile(searchText, search.ModeObs)
		if err != nil {
			return nil, err
		}
		obs, err := s.deps.Catalog.ObservationsMatching(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, err
		}
		out := make([]catalog.ObservationRecord, 0, len(obs))
		for i := range obs {
			out = append(out, obs[i].Record())
		}
		return map[string]any{"results": out}, nil

	case formatSession:
		q, err := search.Compile(searchText, search.ModeSessions)
		if err != nil {
			return nil, err
		}
		sessions, err := s.deps.Catalog.SessionsMatching(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, err
		}
		out := make([]catalog.SessionRecord, 0, len(sessions))
		for i := range sessions {
			out = append(out, sessions[i].Record())
		}
		return map[string]any{"results": out}, nil

	case formatInstanceStore:
		q, err := search.Compile(searchText, search.ModeInstancesStores)
		if err != nil {
			return nil, err
		}
		rows, err := s.deps.Catalog.InstancesWithStoresMatching(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(rows))
		for i := range rows {
			out = append(out, map[string]any{
				"name":            rows[i].Instance.Name,
				"parent_dirs":     rows[i].Instance.ParentDirs,
				"store_name":      rows[i].Store.Name,
				"ssh_host":        rows[i].Store.SSHHost,
				"full_path":       rows[i].FullPath(),
				"deletion_policy": rows[i].Instance.DeletionPolicy,
			})
		}
		return map[string]any{"results": out}, nil
	}

	return nil, fmt.Errorf("%w: unknown output_format %q", catalog.ErrBadRequest, format)
}
