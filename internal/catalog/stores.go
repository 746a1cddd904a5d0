package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureStore creates or updates a store record from configuration. Stores
// are identified by name; path and host changes take effect at boot.
// Availability is only applied on first creation so that runtime toggles
// survive restarts.
func (c *Catalog) EnsureStore(ctx context.Context, st *Store) (int64, error) {
	var id int64
	err := c.withTx(ctx, fmt.Sprintf("ensure store %q", st.Name), func(tx *sql.Tx) error {
		avail := 0
		if st.Available {
			avail = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stores (name, ssh_host, path_prefix, http_prefix, available)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   ssh_host    = excluded.ssh_host,
			   path_prefix = excluded.path_prefix,
			   http_prefix = excluded.http_prefix`,
			st.Name, st.SSHHost, st.PathPrefix, st.HTTPPrefix, avail); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id FROM stores WHERE name = ?`, st.Name).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	st.ID = id
	return id, nil
}

// GetStore fetches a store by name.
func (c *Catalog) GetStore(ctx context.Context, name string) (*Store, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, ssh_host, path_prefix, http_prefix, available
		 FROM stores WHERE name = ?`, name)
	st, err := scanStore(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get store %q", name), err)
	}
	return st, nil
}

// GetStoreByID fetches a store by id.
func (c *Catalog) GetStoreByID(ctx context.Context, id int64) (*Store, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, ssh_host, path_prefix, http_prefix, available
		 FROM stores WHERE id = ?`, id)
	st, err := scanStore(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get store %d", id), err)
	}
	return st, nil
}

func scanStore(row rowScanner) (*Store, error) {
	var st Store
	if err := row.Scan(&st.ID, &st.Name, &st.SSHHost, &st.PathPrefix, &st.HTTPPrefix, &st.Available); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStores returns all stores in name order. When availableOnly is set,
// unavailable stores are filtered out.
func (c *Catalog) ListStores(ctx context.Context, availableOnly bool) ([]Store, error) {
	q := `SELECT id, name, ssh_host, path_prefix, http_prefix, available FROM stores`
	if availableOnly {
		q += ` WHERE available = 1`
	}
	q += ` ORDER BY name`

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapDBError("list stores", err)
	}
	defer rows.Close()

	var out []Store
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, wrapDBError("list stores", err)
		}
		out = append(out, *st)
	}
	return out, wrapDBError("list stores", rows.Err())
}

// SetStoreAvailable toggles a store's availability.
func (c *Catalog) SetStoreAvailable(ctx context.Context, name string, available bool) error {
	return c.withTx(ctx, fmt.Sprintf("set availability of store %q", name), func(tx *sql.Tx) error {
		avail := 0
		if available {
			avail = 1
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE stores SET available = ? WHERE name = ?`, avail, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no store named %q: %w", name, ErrNotFound)
		}
		return nil
	})
}
