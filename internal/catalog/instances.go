package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InstanceWithStore pairs an instance with the store that holds it, for
// callers that need full paths.
type InstanceWithStore struct {
	Instance FileInstance
	Store    Store
}

// FullPath is the absolute path of the instance on its store's host.
func (iw *InstanceWithStore) FullPath() string {
	return iw.Store.PathPrefix + "/" + iw.Instance.StorePath()
}

// RegisterInstance records that a copy of the named file lives on the given
// store. Registering an already-known (store, parent_dirs, name) is a no-op;
// a fresh registration appends an instance_creation event. Returns whether a
// new record was created.
func (c *Catalog) RegisterInstance(ctx context.Context, storeID int64, parentDirs, name string) (bool, error) {
	created := false
	err := c.withTx(ctx, fmt.Sprintf("register instance of %q", name), func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE name = ?`, name).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("no known file %q: %w", name, ErrNotFound)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_instances (store_id, parent_dirs, name, deletion_policy)
			 VALUES (?, ?, ?, ?)`,
			storeID, parentDirs, name, DeletionDisallowed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true

		payload := fmt.Sprintf(`{"store_id": %d, "parent_dirs": %q}`, storeID, parentDirs)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_events (name, time, type, payload) VALUES (?, ?, ?, ?)`,
			name, time.Now().UTC(), EventInstanceCreation, payload)
		return err
	})
	return created, err
}

// InstancesForFile lists the instances of a file in primary-key order.
func (c *Catalog) InstancesForFile(ctx context.Context, name string) ([]FileInstance, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT store_id, parent_dirs, name, deletion_policy FROM file_instances
		 WHERE name = ? ORDER BY store_id, parent_dirs`, name)
	if err != nil {
		return nil, wrapDBError("list instances", err)
	}
	defer rows.Close()

	var out []FileInstance
	for rows.Next() {
		var fi FileInstance
		if err := rows.Scan(&fi.StoreID, &fi.ParentDirs, &fi.Name, &fi.DeletionPolicy); err != nil {
			return nil, wrapDBError("list instances", err)
		}
		out = append(out, fi)
	}
	return out, wrapDBError("list instances", rows.Err())
}

// AnyInstance returns one instance of the file on an available store, joined
// with its store record, or ErrNotFound when no instance exists.
func (c *Catalog) AnyInstance(ctx context.Context, name string) (*InstanceWithStore, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT fi.store_id, fi.parent_dirs, fi.name, fi.deletion_policy,
		        st.id, st.name, st.ssh_host, st.path_prefix, st.http_prefix, st.available
		 FROM file_instances fi JOIN stores st ON st.id = fi.store_id
		 WHERE fi.name = ? AND st.available = 1
		 ORDER BY fi.store_id, fi.parent_dirs LIMIT 1`, name)

	var iw InstanceWithStore
	err := row.Scan(&iw.Instance.StoreID, &iw.Instance.ParentDirs, &iw.Instance.Name,
		&iw.Instance.DeletionPolicy,
		&iw.Store.ID, &iw.Store.Name, &iw.Store.SSHHost, &iw.Store.PathPrefix,
		&iw.Store.HTTPPrefix, &iw.Store.Available)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("locate instance of %q", name), err)
	}
	return &iw, nil
}

// SetOneDeletionPolicy changes the deletion policy of exactly one instance
// of the file. The one-instance restriction is a sanity barrier against
// marking every copy of a file deletable in a single call. An optional store
// restriction limits which instances are considered.
func (c *Catalog) SetOneDeletionPolicy(ctx context.Context, fileName string, policy DeletionPolicy, restrictToStore *int64) error {
	return c.withTx(ctx, fmt.Sprintf("set deletion policy of %q", fileName), func(tx *sql.Tx) error {
		instances, err := instancesForFileTx(ctx, tx, fileName)
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			return fmt.Errorf("no instances of file %q on this librarian: %w", fileName, ErrNotFound)
		}

		var target *FileInstance
		for i := range instances {
			if restrictToStore != nil && instances[i].StoreID != *restrictToStore {
				continue
			}
			target = &instances[i]
			break // just one
		}
		if target == nil {
			return fmt.Errorf("no instances of file %q on the requested store: %w", fileName, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE file_instances SET deletion_policy = ?
			 WHERE store_id = ? AND parent_dirs = ? AND name = ?`,
			policy, target.StoreID, target.ParentDirs, target.Name); err != nil {
			return err
		}

		payload := fmt.Sprintf(`{"store_id": %d, "parent_dirs": %q, "new_policy": %q}`,
			target.StoreID, target.ParentDirs, policy)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_events (name, time, type, payload) VALUES (?, ?, ?, ?)`,
			fileName, time.Now().UTC(), EventDeletionPolicyChanged, payload)
		return err
	})
}

func instancesForFileTx(ctx context.Context, tx *sql.Tx, name string) ([]FileInstance, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT store_id, parent_dirs, name, deletion_policy FROM file_instances
		 WHERE name = ? ORDER BY store_id, parent_dirs`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileInstance
	for rows.Next() {
		var fi FileInstance
		if err := rows.Scan(&fi.StoreID, &fi.ParentDirs, &fi.Name, &fi.DeletionPolicy); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// DeleteStats summarizes one delete_instances run.
type DeleteStats struct {
	Deleted int      `json:"n_deleted"`
	Kept    int      `json:"n_kept"`
	Errors  []string `json:"errors,omitempty"`
}

// DeleteInstances removes instances of the named file. Mode "standard"
// deletes instances whose policy is DeletionAllowed; mode "noop" reports
// what would happen without touching anything. A file is never stripped of
// its last instance: if every instance is deletable, one survivor is kept.
// There is deliberately no override for that interlock.
//
// remove, when non-nil, is invoked before each record removal to delete the
// bytes on the store; a remove failure keeps the record and is reported in
// the stats rather than aborting the batch.
func (c *Catalog) DeleteInstances(ctx context.Context, fileName, mode string, restrictToStore *int64, remove func(FileInstance) error) (DeleteStats, error) {
	var stats DeleteStats

	switch mode {
	case "standard", "noop":
	default:
		return stats, fmt.Errorf("%w: unknown deletion mode %q", ErrBadRequest, mode)
	}

	instances, err := c.InstancesForFile(ctx, fileName)
	if err != nil {
		return stats, err
	}
	if len(instances) == 0 {
		return stats, fmt.Errorf("no instances of file %q on this librarian: %w", fileName, ErrNotFound)
	}

	var deletable []FileInstance
	for _, fi := range instances {
		if restrictToStore != nil && fi.StoreID != *restrictToStore {
			stats.Kept++
			continue
		}
		if fi.DeletionPolicy != DeletionAllowed {
			stats.Kept++
			continue
		}
		deletable = append(deletable, fi)
	}

	// Interlock: keep one survivor when deletion would otherwise remove the
	// file's last instance anywhere.
	if len(deletable) == len(instances) && len(deletable) > 0 {
		stats.Kept++
		deletable = deletable[1:]
	}

	if mode == "noop" {
		stats.Kept += len(deletable)
		return stats, nil
	}

	for _, fi := range deletable {
		if remove != nil {
			if err := remove(fi); err != nil {
				stats.Kept++
				stats.Errors = append(stats.Errors,
					fmt.Sprintf("%s on store %d: %v", fi.StorePath(), fi.StoreID, err))
				continue
			}
		}
		err := c.withTx(ctx, fmt.Sprintf("delete instance of %q", fileName), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM file_instances WHERE store_id = ? AND parent_dirs = ? AND name = ?`,
				fi.StoreID, fi.ParentDirs, fi.Name)
			return err
		})
		if err != nil {
			stats.Kept++
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		stats.Deleted++
	}
	return stats, nil
}

// UniquelyStoredInstances lists up to limit instances on the given store
// whose files have no instance on any other store. These are the instances
// an offload must copy before the store can be shut down.
func (c *Catalog) UniquelyStoredInstances(ctx context.Context, storeID int64, limit int) ([]FileInstance, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT fi.store_id, fi.parent_dirs, fi.name, fi.deletion_policy
		 FROM file_instances fi
		 WHERE fi.store_id = ?
		   AND NOT EXISTS (SELECT 1 FROM file_instances other
		                   WHERE other.name = fi.name AND other.store_id <> fi.store_id)
		 ORDER BY fi.name LIMIT ?`, storeID, limit)
	if err != nil {
		return nil, wrapDBError("list uniquely stored instances", err)
	}
	defer rows.Close()

	var out []FileInstance
	for rows.Next() {
		var fi FileInstance
		if err := rows.Scan(&fi.StoreID, &fi.ParentDirs, &fi.Name, &fi.DeletionPolicy); err != nil {
			return nil, wrapDBError("list uniquely stored instances", err)
		}
		out = append(out, fi)
	}
	return out, wrapDBError("list uniquely stored instances", rows.Err())
}
