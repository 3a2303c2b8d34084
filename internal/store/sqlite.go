// Package store provides durable backings for the timer scheduler.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/orion/internal/scheduler"
)

// ErrCorrupt is returned when an existing store fails its integrity check.
var ErrCorrupt = errors.New("job store is corrupt")

// SQLite keeps timer jobs in a single table.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.checkIntegrity(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			if isCorruption(err) {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) checkIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS timer_jobs (
			job_id TEXT PRIMARY KEY,
			timer_id INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			fire_at_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timer_jobs_fire ON timer_jobs(fire_at_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Put(ctx context.Context, rec scheduler.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timer_jobs (job_id, timer_id, label, fire_at_ms, created_at_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			label = excluded.label,
			fire_at_ms = excluded.fire_at_ms,
			payload = excluded.payload`,
		rec.JobID, int64(rec.TimerID), rec.Label, rec.FireAt.UnixMilli(), rec.CreatedAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("put job %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM timer_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (s *SQLite) ListDue(ctx context.Context, before time.Time) ([]scheduler.Record, error) {
	return s.query(ctx, `
		SELECT job_id, timer_id, label, fire_at_ms, created_at_ms, payload
		FROM timer_jobs WHERE fire_at_ms <= ? ORDER BY fire_at_ms ASC`, before.UnixMilli())
}

func (s *SQLite) ListAll(ctx context.Context) ([]scheduler.Record, error) {
	return s.query(ctx, `
		SELECT job_id, timer_id, label, fire_at_ms, created_at_ms, payload
		FROM timer_jobs ORDER BY fire_at_ms ASC`)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]scheduler.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Record
	for rows.Next() {
		var (
			rec             scheduler.Record
			timerID         int64
			fireAt, created int64
			payload         string
		)
		if err := rows.Scan(&rec.JobID, &timerID, &rec.Label, &fireAt, &created, &payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.TimerID = scheduler.TimerID(timerID)
		rec.FireAt = time.UnixMilli(fireAt)
		rec.CreatedAt = time.UnixMilli(created)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("%w: job %s payload: %v", ErrCorrupt, rec.JobID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isCorruption(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database")
}
