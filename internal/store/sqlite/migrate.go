package sqlite

import (
	"database/sql"
	"fmt"
)

func migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Runs (audit of every app action)
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			environment TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			message TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			finished_at TEXT
		);
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_environment ON runs(environment);`); err != nil {
		return err
	}

	// Certificates, one row per environment
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tls_certs(
			environment TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			strategy TEXT NOT NULL,
			fallback TEXT NOT NULL DEFAULT '',
			not_after TEXT,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		);
	`); err != nil {
		return err
	}

	return tx.Commit()
}
