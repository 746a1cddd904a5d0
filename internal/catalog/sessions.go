package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// GetSession fetches one observing session by id.
func (c *Catalog) GetSession(ctx context.Context, id int64) (*ObservingSession, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, start_time_jd, stop_time_jd FROM observing_sessions WHERE id = ?`, id)
	var s ObservingSession
	if err := row.Scan(&s.ID, &s.StartTimeJD, &s.StopTimeJD); err != nil {
		return nil, wrapDBError(fmt.Sprintf("get session %d", id), err)
	}
	return &s, nil
}

// SessionsMatching runs a compiled sessions-mode search.
func (c *Catalog) SessionsMatching(ctx context.Context, query string, args ...any) ([]ObservingSession, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search sessions", err)
	}
	defer rows.Close()

	var out []ObservingSession
	for rows.Next() {
		var s ObservingSession
		if err := rows.Scan(&s.ID, &s.StartTimeJD, &s.StopTimeJD); err != nil {
			return nil, wrapDBError("search sessions", err)
		}
		out = append(out, s)
	}
	return out, wrapDBError("search sessions", rows.Err())
}

// NewSession describes a session created by AssignObservingSessions.
type NewSession struct {
	ID          int64   `json:"id"`
	StartTimeJD float64 `json:"start_time_jd"`
	StopTimeJD  float64 `json:"stop_time_jd"`
	NumObs      int     `json:"n_obs"`
}

// gapTol is the clustering tolerance: a new session starts when the gap
// between consecutive observations exceeds gapTol times the group's first
// gap, clamped to [1 minute, half a day] in JD units.
const (
	gapTol     = 20.0
	minGapDays = 1.0 / 1440
	maxGapDays = 0.5
)

// AssignObservingSessions finds observations with no session, assigns those
// that fall inside an existing session, and clusters the remainder into new
// sessions by start-time gaps. The optional bounds limit which observations
// are considered, which is useful when a day's data is partially ingested.
//
// Each new session commits before the next group is examined, so a failed
// run resumes cleanly. An observation ending a group must have a recorded
// stop time; otherwise the run fails with ErrMissingStopTime.
//
// This should not be called while observing is ongoing: a session created
// mid-night would orphan the observations still to come.
func (c *Catalog) AssignObservingSessions(ctx context.Context, minStartJD, maxStartJD *float64) ([]NewSession, error) {
	sessions, err := c.allSessions(ctx)
	if err != nil {
		return nil, err
	}

	q := `SELECT obsid, start_time_jd, stop_time_jd, start_lst_hr, session_id
	      FROM observations WHERE session_id IS NULL`
	var args []any
	if minStartJD != nil {
		q += ` AND start_time_jd >= ?`
		args = append(args, *minStartJD)
	}
	if maxStartJD != nil {
		q += ` AND start_time_jd <= ?`
		args = append(args, *maxStartJD)
	}
	q += ` ORDER BY start_time_jd ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("assign sessions", err)
	}
	var candidates []Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			rows.Close()
			return nil, wrapDBError("assign sessions", err)
		}
		candidates = append(candidates, *obs)
	}
	if err := rows.Close(); err != nil {
		return nil, wrapDBError("assign sessions", err)
	}

	// Phase one: observations that fall inside a preexisting session are
	// assigned to it directly.
	var examine []Observation
	assigned := make(map[int64]int64)
	for _, obs := range candidates {
		matched := false
		for _, sess := range sessions {
			if obs.StartTimeJD >= sess.StartTimeJD && obs.StartTimeJD <= sess.StopTimeJD &&
				(obs.StopTimeJD == nil || *obs.StopTimeJD <= sess.StopTimeJD) {
				assigned[obs.Obsid] = sess.ID
				matched = true
				break
			}
		}
		if !matched {
			examine = append(examine, obs)
		}
	}

	if len(assigned) > 0 {
		err := c.withTx(ctx, "assign sessions", func(tx *sql.Tx) error {
			for obsid, sessID := range assigned {
				if _, err := tx.ExecContext(ctx,
					`UPDATE observations SET session_id = ? WHERE obsid = ?`, sessID, obsid); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Phase two: cluster the leftovers by start-time gaps.
	var created []NewSession
	n := len(examine)
	i0 := 0
	for i0 < n {
		var i1 int
		if i0 == n-1 {
			// A session that lasted a single observation. Worrisome, but all
			// we can do is trust the data.
			i1 = i0 + 1
		} else {
			gap := (examine[i0+1].StartTimeJD - examine[i0].StartTimeJD) * gapTol
			if gap < minGapDays {
				gap = minGapDays
			} else if gap > maxGapDays {
				gap = maxGapDays
			}
			i1 = i0 + 1
			for i1 < n && examine[i1].StartTimeJD-examine[i1-1].StartTimeJD < gap {
				i1++
			}
		}

		group := examine[i0:i1]
		last := group[len(group)-1]
		if last.StopTimeJD == nil {
			return created, fmt.Errorf("new observations must have recorded stop times (obsid %d): %w",
				group[0].Obsid, ErrMissingStopTime)
		}

		sess := ObservingSession{
			ID:          group[0].Obsid,
			StartTimeJD: group[0].StartTimeJD,
			StopTimeJD:  *last.StopTimeJD,
		}
		err := c.withTx(ctx, fmt.Sprintf("create session %d", sess.ID), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO observing_sessions (id, start_time_jd, stop_time_jd) VALUES (?, ?, ?)`,
				sess.ID, sess.StartTimeJD, sess.StopTimeJD); err != nil {
				return err
			}
			for _, obs := range group {
				if _, err := tx.ExecContext(ctx,
					`UPDATE observations SET session_id = ? WHERE obsid = ?`, sess.ID, obs.Obsid); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return created, err
		}

		created = append(created, NewSession{
			ID:          sess.ID,
			StartTimeJD: sess.StartTimeJD,
			StopTimeJD:  sess.StopTimeJD,
			NumObs:      len(group),
		})
		i0 = i1
	}

	return created, nil
}

func (c *Catalog) allSessions(ctx context.Context) ([]ObservingSession, error) {
	return c.SessionsMatching(ctx,
		`SELECT id, start_time_jd, stop_time_jd FROM observing_sessions`)
}

// SessionFileRecord describes one file of a session for downstream
// processing pipelines.
type SessionFileRecord struct {
	Date       float64 `json:"date"`
	Pol        string  `json:"pol"`
	StorePath  string  `json:"store_path"`
	PathPrefix string  `json:"path_prefix"`
	Host       string  `json:"host"`
	Length     float64 `json:"length"`
}

// SessionWithoutEvent finds one session containing files from the given
// source that lack the given event type, and describes those files. The
// caller marks the files with the event once it has recorded them, so
// repeated polls walk through sessions one at a time. found is false when
// every known session has been reported.
//
// Observation durations are not always recorded, so missing ones are
// inferred from the median start-time spacing within the session.
func (c *Catalog) SessionWithoutEvent(ctx context.Context, source, eventType string) (sessionID int64, records []SessionFileRecord, found bool, err error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT o.session_id FROM files f
		 JOIN observations o ON o.obsid = f.obsid
		 WHERE o.session_id IS NOT NULL AND f.source = ?
		   AND f.name NOT IN (SELECT name FROM file_events WHERE type = ?)
		 LIMIT 1`, source, eventType)
	if err = row.Scan(&sessionID); err != nil {
		if isNotFoundErr(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, wrapDBError("describe session", err)
	}

	obs, err := c.ObservationsMatching(ctx,
		`SELECT obsid, start_time_jd, stop_time_jd, start_lst_hr, session_id
		 FROM observations WHERE session_id = ? ORDER BY start_time_jd ASC`, sessionID)
	if err != nil {
		return 0, nil, false, err
	}

	typical := medianGap(obs)
	lengths := make(map[int64]float64, len(obs))
	for _, o := range obs {
		if d := o.Duration(); d != nil {
			lengths[o.Obsid] = *d
		} else {
			lengths[o.Obsid] = typical
		}
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT f.name, o.obsid, o.start_time_jd, fi.parent_dirs, st.path_prefix, st.ssh_host
		 FROM file_instances fi
		 JOIN files f ON f.name = fi.name
		 JOIN observations o ON o.obsid = f.obsid
		 JOIN stores st ON st.id = fi.store_id
		 WHERE o.session_id = ? AND f.source = ?
		 ORDER BY o.start_time_jd ASC`, sessionID, source)
	if err != nil {
		return 0, nil, false, wrapDBError("describe session", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var name, parentDirs, pathPrefix, sshHost string
		var obsid int64
		var startJD float64
		if err := rows.Scan(&name, &obsid, &startJD, &parentDirs, &pathPrefix, &sshHost); err != nil {
			return 0, nil, false, wrapDBError("describe session", err)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		storePath := name
		if parentDirs != "" {
			storePath = parentDirs + "/" + name
		}
		records = append(records, SessionFileRecord{
			Date:       startJD,
			Pol:        polFromName(name),
			StorePath:  storePath,
			PathPrefix: pathPrefix,
			Host:       sshHost,
			Length:     lengths[obsid],
		})
	}
	if err := rows.Err(); err != nil {
		return 0, nil, false, wrapDBError("describe session", err)
	}
	return sessionID, records, true, nil
}

// medianGap is the median spacing of consecutive start times, in days.
func medianGap(obs []Observation) float64 {
	if len(obs) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(obs)-1)
	for i := 1; i < len(obs); i++ {
		gaps = append(gaps, obs[i].StartTimeJD-obs[i-1].StartTimeJD)
	}
	sort.Float64s(gaps)
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid]
	}
	return (gaps[mid-1] + gaps[mid]) / 2
}

// polFromName extracts the polarization token from a dotted file name, e.g.
// "zen.2458042.12552.xx.uv" yields "xx". Empty when none is present.
func polFromName(name string) string {
	for _, tok := range strings.Split(name, ".") {
		switch tok {
		case "xx", "yy", "xy", "yx":
			return tok
		}
	}
	return ""
}
