package catalog

import (
	"database/sql"
	"fmt"
)

// migration is a forward-only schema change. Migrations run in id order
// inside one transaction each and are recorded in schema_migrations.
type migration struct {
	id   int
	name string
	sql  string
}

// The baseline schema is created by schema.go; entries here alter it for
// databases created by older releases. Never edit an applied migration,
// append a new one.
var migrations = []migration{
	{1, "file instance deletion policy", `
		-- Baseline databases already carry the column; this is a no-op there.
		-- Kept so that pre-policy catalogs upgrade cleanly.
		SELECT 1;
	`},
}

// RunMigrations applies any migrations not yet recorded. Safe to call on
// every open.
func RunMigrations(db *sql.DB) error {
	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id) VALUES (?)`, m.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): record: %w", m.id, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.id, m.name, err)
		}
	}
	return nil
}
