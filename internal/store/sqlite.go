package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/labelfleet/internal/job"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite implements JobRepository and DeviceRegistry on a single
// SQLite database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	type migration struct {
		version string
		sql     string
	}
	var migrations []migration
	err = fs.WalkDir(migrationFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := fs.ReadFile(migrationFS, path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(filepath.Base(path), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk migrations: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.version, err)
		}
	}

	return nil
}

const jobColumns = `id, device_id, status, content, content_url, priority, retry_count, max_retries, error_kind, created_at, queued_at, sent_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var j job.Job
	var queuedAt, sentAt, startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.DeviceID, &j.Status, &j.Content, &j.ContentURL,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &j.ErrorKind,
		&j.CreatedAt, &queuedAt, &sentAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if queuedAt.Valid {
		j.QueuedAt = &queuedAt.Time
	}
	if sentAt.Valid {
		j.SentAt = &sentAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func (s *SQLite) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.QueuedAt == nil {
		j.QueuedAt = &now
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, device_id, status, content, content_url, priority, retry_count, max_retries, error_kind, created_at, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.DeviceID, j.Status, j.Content, j.ContentURL, j.Priority, j.RetryCount, j.MaxRetries, j.ErrorKind, j.CreatedAt, j.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return j, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status job.Status, opts ...UpdateOption) error {
	var params updateParams
	for _, opt := range opts {
		opt(&params)
	}

	at := time.Now().UTC()
	if params.At != nil {
		at = *params.At
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current job.Status
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query job status: %w", err)
	}

	if current != status && !job.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	set := []string{"status = ?"}
	args := []any{status}

	switch status {
	case job.StatusQueued:
		set = append(set, "queued_at = ?")
		args = append(args, at)
	case job.StatusSent:
		set = append(set, "sent_at = ?")
		args = append(args, at)
	case job.StatusProcessing:
		set = append(set, "started_at = ?")
		args = append(args, at)
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusExpired:
		set = append(set, "completed_at = ?")
		args = append(args, at)
	}

	if params.ErrorKind != nil {
		set = append(set, "error_kind = ?")
		args = append(args, *params.ErrorKind)
	}
	if params.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(set, ", ")+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

func (s *SQLite) ClaimQueued(ctx context.Context, deviceID string, now time.Time) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = ? AND status = 'queued'
		ORDER BY priority DESC, queued_at ASC
		LIMIT 1
	`, deviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued job: %w", err)
	}

	at := now.UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = 'sent', sent_at = ? WHERE id = ?", at, j.ID); err != nil {
		return nil, fmt.Errorf("failed to mark job sent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	j.Status = job.StatusSent
	j.SentAt = &at
	return j, nil
}

func (s *SQLite) HasInFlight(ctx context.Context, deviceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE device_id = ? AND status IN ('sent', 'pending', 'processing')
	`, deviceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) FailInFlight(ctx context.Context, deviceID string, kind job.ErrorKind, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE device_id = ? AND status IN ('sent', 'pending', 'processing')
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query in-flight jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate in-flight jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error_kind = ?, retry_count = retry_count + 1, completed_at = ?
		WHERE device_id = ? AND status IN ('sent', 'pending', 'processing')
	`, kind, at.UTC(), deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fail in-flight jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit in-flight failure: %w", err)
	}
	return ids, nil
}

func (s *SQLite) listJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLite) ListRetryCandidates(ctx context.Context) ([]*job.Job, error) {
	return s.listJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'failed'
		ORDER BY completed_at ASC
	`)
}

func (s *SQLite) ListExpiryCandidates(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	return s.listJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN ('completed', 'cancelled', 'expired') AND created_at < ?
		ORDER BY created_at ASC
	`, cutoff.UTC())
}

func (s *SQLite) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'queued' WHERE status IN ('sent', 'pending')")
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('queued', 'sent', 'pending', 'processing')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job is already terminal", ErrInvalidTransition)
	}
	return nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var where []string
	var args []any

	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.listJobs(ctx, query, args...)
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status job.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *SQLite) CreateDevice(ctx context.Context, d *job.Device, credential string) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, display_name, credential, created_at)
		VALUES (?, ?, ?, ?)
	`, d.ID, d.DisplayName, credential, d.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDeviceExists
		}
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

func (s *SQLite) GetDevice(ctx context.Context, id string) (*job.Device, error) {
	var d job.Device
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, last_seen_at, created_at FROM devices WHERE id = ?
	`, id).Scan(&d.ID, &d.DisplayName, &lastSeen, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	if lastSeen.Valid {
		d.LastSeenAt = &lastSeen.Time
	}
	return &d, nil
}

func (s *SQLite) GetCredential(ctx context.Context, id string) (string, error) {
	var credential string
	err := s.db.QueryRowContext(ctx,
		"SELECT credential FROM devices WHERE id = ?", id).Scan(&credential)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query credential: %w", err)
	}
	return credential, nil
}

func (s *SQLite) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET last_seen_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (s *SQLite) ListDevices(ctx context.Context) ([]*job.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, display_name, last_seen_at, created_at FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*job.Device
	for rows.Next() {
		var d job.Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.DisplayName, &lastSeen, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if lastSeen.Valid {
			d.LastSeenAt = &lastSeen.Time
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}
