package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all cubesched tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'RUNNING',
		axis          TEXT NOT NULL DEFAULT 'channel',
		expected      INTEGER NOT NULL DEFAULT 0,
		output_dir    TEXT NOT NULL DEFAULT '',
		manifest_path TEXT NOT NULL DEFAULT '',
		report        TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		completed_at  TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS units (
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		unit_id       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		channel_index INTEGER NOT NULL,
		profile_id    TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'PENDING',
		attempts      INTEGER NOT NULL DEFAULT 0,
		worker        TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL DEFAULT '',
		detail        TEXT NOT NULL DEFAULT '',
		output_path   TEXT NOT NULL DEFAULT '',
		weight_path   TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (run_id, unit_id)
	)`,

	`CREATE TABLE IF NOT EXISTS unit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		unit_id    TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state   TEXT NOT NULL,
		attempt    INTEGER NOT NULL DEFAULT 0,
		worker     TEXT NOT NULL DEFAULT '',
		category   TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_units_state ON units(run_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_units_channel ON units(run_id, kind, channel_index)`,
	`CREATE INDEX IF NOT EXISTS idx_unit_events_unit ON unit_events(run_id, unit_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "units",
		column:   "container",
		alterSQL: "ALTER TABLE units ADD COLUMN container TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
