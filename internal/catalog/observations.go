package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertObservation merges an observation record. Columns left nil stay NULL
// on insert and are preserved on update only when the incoming record also
// has them nil.
func (c *Catalog) UpsertObservation(ctx context.Context, obs *Observation) error {
	if obs.StopTimeJD != nil && !(obs.StartTimeJD < *obs.StopTimeJD) {
		return fmt.Errorf("%w: observation start time must precede stop time; got %v, %v",
			ErrBadRequest, obs.StartTimeJD, *obs.StopTimeJD)
	}
	return c.withTx(ctx, fmt.Sprintf("upsert observation %d", obs.Obsid), func(tx *sql.Tx) error {
		return upsertObservation(ctx, tx, obs)
	})
}

func upsertObservation(ctx context.Context, q querier, obs *Observation) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO observations (obsid, start_time_jd, stop_time_jd, start_lst_hr, session_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(obsid) DO UPDATE SET
		   start_time_jd = excluded.start_time_jd,
		   stop_time_jd  = COALESCE(excluded.stop_time_jd, observations.stop_time_jd),
		   start_lst_hr  = COALESCE(excluded.start_lst_hr, observations.start_lst_hr),
		   session_id    = COALESCE(excluded.session_id, observations.session_id)`,
		obs.Obsid, obs.StartTimeJD, obs.StopTimeJD, obs.StartLSTHr, obs.SessionID)
	return err
}

// GetObservation fetches one observation by obsid.
func (c *Catalog) GetObservation(ctx context.Context, obsid int64) (*Observation, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT obsid, start_time_jd, stop_time_jd, start_lst_hr, session_id
		 FROM observations WHERE obsid = ?`, obsid)
	obs, err := scanObservation(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get observation %d", obsid), err)
	}
	return obs, nil
}

func scanObservation(row rowScanner) (*Observation, error) {
	var obs Observation
	var stop, lst sql.NullFloat64
	var sess sql.NullInt64
	if err := row.Scan(&obs.Obsid, &obs.StartTimeJD, &stop, &lst, &sess); err != nil {
		return nil, err
	}
	if stop.Valid {
		obs.StopTimeJD = &stop.Float64
	}
	if lst.Valid {
		obs.StartLSTHr = &lst.Float64
	}
	if sess.Valid {
		obs.SessionID = &sess.Int64
	}
	return &obs, nil
}

// ObservationsMatching runs a compiled obs-mode search.
func (c *Catalog) ObservationsMatching(ctx context.Context, query string, args ...any) ([]Observation, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search observations", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, wrapDBError("search observations", err)
		}
		out = append(out, *obs)
	}
	return out, wrapDBError("search observations", rows.Err())
}
