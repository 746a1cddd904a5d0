package catalog

import "context"

// Execution helpers for the remaining compiled search modes. The search
// compiler owns the SELECT shapes; these functions only scan.

// NamesMatching runs a compiled names-mode search.
func (c *Catalog) NamesMatching(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search names", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("search names", err)
		}
		out = append(out, name)
	}
	return out, wrapDBError("search names", rows.Err())
}

// InstancesMatching runs a compiled instances-mode search.
func (c *Catalog) InstancesMatching(ctx context.Context, query string, args ...any) ([]FileInstance, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search instances", err)
	}
	defer rows.Close()

	var out []FileInstance
	for rows.Next() {
		var fi FileInstance
		if err := rows.Scan(&fi.StoreID, &fi.ParentDirs, &fi.Name, &fi.DeletionPolicy); err != nil {
			return nil, wrapDBError("search instances", err)
		}
		out = append(out, fi)
	}
	return out, wrapDBError("search instances", rows.Err())
}

// InstancesWithStoresMatching runs a compiled instances-stores-mode search.
func (c *Catalog) InstancesWithStoresMatching(ctx context.Context, query string, args ...any) ([]InstanceWithStore, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("search instances with stores", err)
	}
	defer rows.Close()

	var out []InstanceWithStore
	for rows.Next() {
		var iw InstanceWithStore
		if err := rows.Scan(&iw.Instance.StoreID, &iw.Instance.ParentDirs, &iw.Instance.Name,
			&iw.Instance.DeletionPolicy,
			&iw.Store.ID, &iw.Store.Name, &iw.Store.SSHHost, &iw.Store.PathPrefix,
			&iw.Store.HTTPPrefix, &iw.Store.Available); err != nil {
			return nil, wrapDBError("search instances with stores", err)
		}
		out = append(out, iw)
	}
	return out, wrapDBError("search instances with stores", rows.Err())
}
