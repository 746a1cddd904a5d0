package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AddEvent appends an event to the named file's history. The payload may be
// any JSON-marshalable value; nil records an empty object. Events are never
// updated or deleted.
func (c *Catalog) AddEvent(ctx context.Context, fileName, eventType string, payload any) error {
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: unencodable event payload for %q: %v", ErrBadRequest, fileName, err)
		}
	}

	return c.withTx(ctx, fmt.Sprintf("add %s event for %q", eventType, fileName), func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE name = ?`, fileName).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("no known file %q: %w", fileName, ErrNotFound)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO file_events (name, time, type, payload) VALUES (?, ?, ?, ?)`,
			fileName, time.Now().UTC(), eventType, string(raw))
		return err
	})
}

// HasEvent reports whether the file carries at least one event of the type.
func (c *Catalog) HasEvent(ctx context.Context, fileName, eventType string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_events WHERE name = ? AND type = ?`,
		fileName, eventType).Scan(&n)
	if err != nil {
		return false, wrapDBError("check event", err)
	}
	return n > 0, nil
}

// EventsForFile lists a file's events newest-first.
func (c *Catalog) EventsForFile(ctx context.Context, fileName string) ([]FileEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, time, type, payload FROM file_events WHERE name = ? ORDER BY time DESC, id DESC`,
		fileName)
	if err != nil {
		return nil, wrapDBError("list events", err)
	}
	defer rows.Close()

	var out []FileEvent
	for rows.Next() {
		var ev FileEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Time, &ev.Type, &payload); err != nil {
			return nil, wrapDBError("list events", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, wrapDBError("list events", rows.Err())
}
