package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noahxzhu/med-reminder/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JobStore is the SQLite-backed registry of remote jobs accepted by the
// push gateway.
type JobStore struct {
	db *sql.DB
}

// OpenJobs opens (or creates) jobs.db in dataDir and applies migrations.
// Pass ":memory:" for an in-memory database (used by tests).
func OpenJobs(dataDir string) (*JobStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "jobs.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: ":memory:" databases are per-connection, and it avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &JobStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

func (s *JobStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(entry.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("invalid migration filename %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const jobColumns = `id, reminder_id, occurrence_key, scheduled_at, status, created_at, updated_at`

// SaveJob inserts or replaces a job record.
func (s *JobStore) SaveJob(ctx context.Context, job model.RemoteJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO remote_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ReminderID, string(job.OccurrenceKey),
		formatTime(job.ScheduledAt), string(job.Status),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving remote job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Job(ctx context.Context, id string) (model.RemoteJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM remote_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RemoteJob{}, fmt.Errorf("remote job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.RemoteJob{}, fmt.Errorf("loading remote job %s: %w", id, err)
	}
	return job, nil
}

// JobByOccurrence returns the most recent job recorded for key.
func (s *JobStore) JobByOccurrence(ctx context.Context, key model.OccurrenceKey) (model.RemoteJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM remote_jobs
		WHERE occurrence_key = ? ORDER BY created_at DESC LIMIT 1
	`, string(key))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RemoteJob{}, fmt.Errorf("remote job for %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.RemoteJob{}, fmt.Errorf("loading remote job for %s: %w", key, err)
	}
	return job, nil
}

// PendingJobsForReminder lists the jobs that still need cancelling if the
// reminder goes away.
func (s *JobStore) PendingJobsForReminder(ctx context.Context, reminderID string) ([]model.RemoteJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM remote_jobs
		WHERE reminder_id = ? AND status = ? ORDER BY scheduled_at ASC
	`, reminderID, string(model.JobPending))
	if err != nil {
		return nil, fmt.Errorf("listing remote jobs for %s: %w", reminderID, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PendingJobs lists every job the gateway may still send.
func (s *JobStore) PendingJobs(ctx context.Context) ([]model.RemoteJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM remote_jobs
		WHERE status = ? ORDER BY scheduled_at ASC
	`, string(model.JobPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending remote jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]model.RemoteJob, error) {
	var jobs []model.RemoteJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning remote job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *JobStore) SetJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE remote_jobs SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating remote job %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("remote job %s: %w", id, ErrNotFound)
	}
	return nil
}

// PrunePassed deletes jobs whose occurrence is older than before.
func (s *JobStore) PrunePassed(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM remote_jobs WHERE scheduled_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning remote jobs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.RemoteJob, error) {
	var job model.RemoteJob
	var key, status, scheduledAt, createdAt, updatedAt string
	if err := row.Scan(&job.ID, &job.ReminderID, &key, &scheduledAt, &status, &createdAt, &updatedAt); err != nil {
		return model.RemoteJob{}, err
	}
	job.OccurrenceKey = model.OccurrenceKey(key)
	job.Status = model.JobStatus(status)
	job.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return job, nil
}

// formatTime uses a fixed-width UTC layout so stored strings sort chronologically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
