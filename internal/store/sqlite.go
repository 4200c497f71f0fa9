package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dayuer/nanobot-hub/internal/utils"
)

// SQLiteStore implements JobStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ JobStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating parent directories and
// the schema when missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := log.With().Str("component", "store").Logger()

	if path != ":memory:" {
		if _, err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// One writer keeps SQLITE_BUSY away from the fire path.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %q", pragma)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	logger.Info().Str("path", path).Msg("sqlite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'basic',
			cron_expr     TEXT NOT NULL,
			timezone      TEXT NOT NULL DEFAULT '',
			payload       TEXT NOT NULL DEFAULT '{}',
			description   TEXT NOT NULL DEFAULT '',
			enabled       INTEGER NOT NULL DEFAULT 1,
			persistent    INTEGER NOT NULL DEFAULT 1,
			status        TEXT NOT NULL DEFAULT 'pending',
			last_run_at   TEXT,
			next_run_time TEXT,
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (type IN ('basic', 'active_agent')),
			CHECK (status IN ('pending', 'running', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled, persistent);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, name, type, cron_expr, timezone, payload, description, enabled, persistent,
	status, last_run_at, next_run_time, last_error, created_at, updated_at`

// CreateJob inserts job, assigning an id when empty.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	prepareNew(job, time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.Type), job.CronExpr, job.Timezone, payloadText(job.Payload),
		job.Description, boolToInt(job.Enabled), boolToInt(job.Persistent), string(job.Status),
		timeText(job.LastRunAt), timeText(job.NextRunTime), job.LastError,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(ErrDuplicateJob, "id %s", job.ID)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

// UpdateJob overwrites every mutable column of job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			name = ?, type = ?, cron_expr = ?, timezone = ?, payload = ?, description = ?,
			enabled = ?, persistent = ?, status = ?, last_run_at = ?, next_run_time = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, string(job.Type), job.CronExpr, job.Timezone, payloadText(job.Payload), job.Description,
		boolToInt(job.Enabled), boolToInt(job.Persistent), string(job.Status),
		timeText(job.LastRunAt), timeText(job.NextRunTime), job.LastError, formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", job.ID)
	}
	return nil
}

// UpdateRunState writes the run columns of one job.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id string, rs RunState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			status = ?, last_run_at = ?, next_run_time = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(rs.Status), timeText(rs.LastRunAt), timeText(rs.NextRunTime), rs.LastError,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errors.Wrap(err, "update run state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// DeleteJob removes a job.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// GetJob loads one job.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return job, nil
}

// ListJobs returns all jobs, oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		job                 Job
		jobType, status     string
		payload             string
		enabled, persistent int
		lastRun, nextRun    sql.NullString
		created, updated    string
	)
	err := sc.Scan(&job.ID, &job.Name, &jobType, &job.CronExpr, &job.Timezone, &payload, &job.Description,
		&enabled, &persistent, &status, &lastRun, &nextRun, &job.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.Enabled = enabled != 0
	job.Persistent = persistent != 0
	if payload != "" && payload != "{}" {
		job.Payload = []byte(payload)
	}
	job.LastRunAt = parseNullTime(lastRun)
	job.NextRunTime = parseNullTime(nextRun)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &job, nil
}

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeText(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
