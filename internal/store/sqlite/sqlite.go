package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"

	"moodlectl/internal/store"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.RunStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// conservative pool for single-file sqlite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate() error {
	return migrate(s.db)
}

// StartRun opens a run in the "running" state.
func (s *Store) StartRun(action, env string) (store.Run, error) {
	if action == "" {
		return store.Run{}, fmt.Errorf("action is required")
	}
	r := store.Run{
		RunID:       uuid.NewString(),
		Environment: env,
		Action:      action,
		Status:      store.StatusRunning,
		StartedAt:   s.now().UTC(),
	}
	res, err := s.db.Exec(`
		INSERT INTO runs(run_id, environment, action, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.RunID, r.Environment, r.Action, r.Status, r.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return store.Run{}, err
	}
	r.ID, _ = res.LastInsertId()
	return r, nil
}

func (s *Store) FinishRun(runID, status, message string) error {
	if status != store.StatusOK && status != store.StatusFail {
		return errors.NotValidf("run status %q", status)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.Exec(`
		UPDATE runs
		SET status=?, message=?, finished_at=?
		WHERE run_id=?
	`, status, message, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("run %q", runID)
	}
	return nil
}

// ListRuns returns the newest runs first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, environment, action, status, message, started_at, finished_at
		FROM runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		var r store.Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Environment, &r.Action, &r.Status, &r.Message, &started, &finished); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = t
		}
		r.FinishedAt = parseNullTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecordCert(c store.CertRecord) error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	var notAfter any
	if c.NotAfter != nil {
		notAfter = c.NotAfter.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`
		INSERT INTO tls_certs(environment, host, strategy, fallback, not_after)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(environment) DO UPDATE SET
			host=excluded.host,
			strategy=excluded.strategy,
			fallback=excluded.fallback,
			not_after=excluded.not_after,
			updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, c.Environment, c.Host, c.Strategy, c.Fallback, notAfter)
	return err
}

func (s *Store) ListCerts() ([]store.CertRecord, error) {
	rows, err := s.db.Query(`
		SELECT environment, host, strategy, fallback, not_after, updated_at
		FROM tls_certs
		ORDER BY environment ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CertRecord
	for rows.Next() {
		var c store.CertRecord
		var notAfter sql.NullString
		var updated string
		if err := rows.Scan(&c.Environment, &c.Host, &c.Strategy, &c.Fallback, &notAfter, &updated); err != nil {
			return nil, err
		}
		c.NotAfter = parseNullTime(notAfter)
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			c.UpdatedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
