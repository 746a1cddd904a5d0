package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var md5Re = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidateFile checks the invariants that make a file record acceptable.
// Files are immutable once created, so everything is checked up front.
func ValidateFile(f *File) error {
	if len(f.Name) < 1 || len(f.Name) > 256 {
		return fmt.Errorf("%w: ill-formed or overlong file name %q", ErrBadRequest, f.Name)
	}
	if strings.Contains(f.Name, "/") {
		return fmt.Errorf("%w: file names must not contain \"/\" characters; got %q", ErrBadRequest, f.Name)
	}
	if len(f.Type) < 1 || len(f.Type) > 32 {
		return fmt.Errorf("%w: ill-formed file type %q for %q", ErrBadRequest, f.Type, f.Name)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: file sizes must be nonnegative; got %d for %q", ErrBadRequest, f.Size, f.Name)
	}
	if !md5Re.MatchString(f.MD5) {
		return fmt.Errorf("%w: ill-formatted MD5 sum %q for file %q", ErrBadRequest, f.MD5, f.Name)
	}
	return nil
}

// CreateFile inserts a file record. The MD5 is lowercased before validation.
// Creating a file that already exists is a no-op when the records agree and
// ErrConflict when they don't, since file records are immutable.
func (c *Catalog) CreateFile(ctx context.Context, f *File) error {
	f.MD5 = strings.ToLower(f.MD5)
	if err := ValidateFile(f); err != nil {
		return err
	}
	if f.CreateTime.IsZero() {
		f.CreateTime = time.Now().UTC()
	}

	return c.withTx(ctx, "create file", func(tx *sql.Tx) error {
		return insertFile(ctx, tx, f)
	})
}

func insertFile(ctx context.Context, q querier, f *File) error {
	existing, err := getFile(ctx, q, f.Name)
	if err == nil {
		if existing.Size != f.Size || existing.MD5 != f.MD5 {
			return fmt.Errorf("file %q already exists with different size/digest: %w", f.Name, ErrConflict)
		}
		return nil
	}
	if !isNotFoundErr(err) {
		return err
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO files (name, type, source, size, md5, create_time, obsid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Name, f.Type, f.Source, f.Size, f.MD5, f.CreateTime, f.Obsid)
	return err
}

// GetFile fetches one file record by name.
func (c *Catalog) GetFile(ctx context.Context, name string) (*File, error) {
	f, err := getFile(ctx, c.db, name)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get file %q", name), err)
	}
	return f, nil
}

func getFile(ctx context.Context, q querier, name string) (*File, error) {
	row := q.QueryRowContext(ctx,
		`SELECT name, type, source, size, md5, create_time, obsid FROM files WHERE name = ?`, name)
	return scanFile(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanFile(row rowScanner) (*File, error) {
	var f File
	var obsid sql.NullInt64
	if err := row.Scan(&f.Name, &f.Type, &f.Source, &f.Size, &f.MD5, &f.CreateTime, &obsid); err != nil {
		return nil, err
	}
	if obsid.Valid {
		f.Obsid = &obsid.Int64
	}
	return &f, nil
}

// FilesMatching runs a compiled files-mode search.
func (c *Catalog) FilesMatching(ctx context.Context, query string, args ...any) ([]File, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search files", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, wrapDBError("search files", err)
		}
		out = append(out, *f)
	}
	return out, wrapDBError("search files", rows.Err())
}

// DistinctObsidsForPrefix returns the distinct obsids of files whose names
// match the given LIKE pattern, for obsid inference.
func (c *Catalog) DistinctObsidsForPrefix(ctx context.Context, pattern string) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT obsid FROM files WHERE name LIKE ? AND obsid IS NOT NULL`, pattern)
	if err != nil {
		return nil, wrapDBError("infer obsid", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("infer obsid", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("infer obsid", rows.Err())
}

// GatherRecords assembles the denormalized record bundle another librarian
// needs before we upload the named file to it.
func (c *Catalog) GatherRecords(ctx context.Context, fileName string) (*RecInfo, error) {
	f, err := c.GetFile(ctx, fileName)
	if err != nil {
		return nil, err
	}

	info := &RecInfo{Files: map[string]FileRecord{f.Name: f.Record()}}
	if f.Obsid == nil {
		return info, nil
	}

	obs, err := c.GetObservation(ctx, *f.Obsid)
	if err != nil {
		return nil, err
	}
	info.Observations = map[string]ObservationRecord{
		strconv.FormatInt(obs.Obsid, 10): obs.Record(),
	}

	if obs.SessionID != nil {
		sess, err := c.GetSession(ctx, *obs.SessionID)
		if err != nil {
			return nil, err
		}
		info.Sessions = map[string]SessionRecord{
			strconv.FormatInt(sess.ID, 10): sess.Record(),
		}
	}
	return info, nil
}

// UpsertRecords ingests a record bundle received from a peer librarian.
// Sessions and observations merge; files insert only when absent, since file
// records are immutable. The file's source is overridden with the name of
// the peer that sent the bundle.
func (c *Catalog) UpsertRecords(ctx context.Context, info *RecInfo, sourceName string) error {
	return c.withTx(ctx, "upsert records", func(tx *sql.Tx) error {
		for _, rec := range info.Sessions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO observing_sessions (id, start_time_jd, stop_time_jd) VALUES (?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET start_time_jd = excluded.start_time_jd,
				                               stop_time_jd = excluded.stop_time_jd`,
				rec.ID, rec.StartTimeJD, rec.StopTimeJD); err != nil {
				return err
			}
		}
		for _, rec := range info.Observations {
			if err := upsertObservation(ctx, tx, &Observation{
				Obsid:       rec.Obsid,
				StartTimeJD: rec.StartTimeJD,
				StopTimeJD:  rec.StopTimeJD,
				StartLSTHr:  rec.StartLSTHr,
				SessionID:   rec.SessionID,
			}); err != nil {
				return err
			}
		}
		for _, rec := range info.Files {
			f := &File{
				Name:       rec.Name,
				Type:       rec.Type,
				Source:     sourceName,
				Size:       rec.Size,
				MD5:        strings.ToLower(rec.MD5),
				CreateTime: time.Unix(rec.CreateTimeUnix, 0).UTC(),
				Obsid:      rec.Obsid,
			}
			if err := ValidateFile(f); err != nil {
				return err
			}
			if err := insertFile(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || isNotFound(err)
}
