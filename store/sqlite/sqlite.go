// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/neuragrid/coordinator/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		// created_at and dispatched_at are epoch milliseconds.
		`CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			job_type      TEXT    NOT NULL,
			args          TEXT    NOT NULL,
			status        TEXT    NOT NULL DEFAULT 'pending',
			tags          TEXT,
			created_at    INTEGER NOT NULL,
			dispatched_at INTEGER
		)`,

		// The dispatcher reads pending rows in FIFO order on every sweep.
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created
			ON jobs(status, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Insert(ctx context.Context, job *store.Job) error {
	tags, err := tagsJSON(job.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, args, status, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.Type, job.Body, string(job.Status), tags, job.CreatedAt.UnixMilli())
	return err
}

func (s *DB) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, args, status, tags, created_at, dispatched_at
		  FROM jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

func (s *DB) ListPending(ctx context.Context) ([]*store.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, args, status, tags, created_at, dispatched_at
		  FROM jobs
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing is the dispatch race arbiter: of two concurrent sweeps that
// picked the same pending job, exactly one sees RowsAffected == 1.
func (s *DB) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', dispatched_at = ?
		 WHERE id = ? AND status = 'pending'
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *DB) FinishJob(ctx context.Context, id string, status store.Status) (bool, error) {
	if status != store.StatusCompleted && status != store.StatusFailed {
		return false, fmt.Errorf("finish job %s: %q is not a terminal status", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ? WHERE id = ? AND status = 'processing'
	`, string(status), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *DB) SetStatus(ctx context.Context, id string, status store.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *DB) PendingTagCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tags FROM jobs WHERE status = 'pending' AND tags IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			log.Printf("store: bad tags column %q: %v", raw, err)
			continue
		}
		for _, tag := range tags {
			counts[tag]++
		}
	}
	return counts, rows.Err()
}

func (s *DB) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', dispatched_at = NULL
		 WHERE status = 'processing'
		   AND dispatched_at IS NOT NULL
		   AND dispatched_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanJob(scan scanFn) (*store.Job, error) {
	var job store.Job
	var tags sql.NullString
	var createdAt int64
	var dispatchedAt sql.NullInt64
	err := scan(&job.ID, &job.Type, &job.Body, &job.Status, &tags, &createdAt, &dispatchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	if dispatchedAt.Valid {
		t := time.UnixMilli(dispatchedAt.Int64)
		job.DispatchedAt = &t
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &job.Tags); err != nil {
			log.Printf("store: bad tags column for job %s: %v", job.ID, err)
		}
	}
	return &job, nil
}

// tagsJSON renders tags as a JSON array, or NULL when there are none, so the
// histogram query can filter on IS NOT NULL.
func tagsJSON(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
