// Package store persists job and step-attempt history to SQLite. The store
// is an audit log, not a coordination mechanism: claims and liveness stay
// in-process, the database only records what happened.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftworks/relay/internal/errors"
)

// JobRecord is one workflow execution for one work item.
type JobRecord struct {
	JobID      string
	WorkItemID string
	Workflow   string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// AttemptRecord is one resilience-wrapped attempt of one step.
type AttemptRecord struct {
	JobID      string
	StepID     string
	Action     string
	Attempt    int
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// JobSummary aggregates a job's outcome for reporting.
type JobSummary struct {
	JobID    string
	Status   string
	Attempts int
	Started  time.Time
	Finished time.Time
}

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	return &SQLiteStore{db: db}, nil
}

// Init applies pragmas and creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			work_item_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_work_item ON jobs(work_item_id);`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			action TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			error TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON step_attempts(job_id);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob records a job starting.
func (s *SQLiteStore) CreateJob(ctx context.Context, job JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, work_item_id, workflow, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.JobID,
		job.WorkItemID,
		job.Workflow,
		StatusRunning,
		job.StartedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// FinishJob records a job's terminal status. errText is empty on success.
func (s *SQLiteStore) FinishJob(ctx context.Context, jobID, status, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ?`,
		status,
		errText,
		time.Now().UTC().Format(time.RFC3339),
		jobID,
	)
	return err
}

// RecordAttempt records one completed attempt of one step.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt AttemptRecord) error {
	finished := ""
	if !attempt.FinishedAt.IsZero() {
		finished = attempt.FinishedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_attempts (job_id, step_id, action, attempt, status, message, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.JobID,
		attempt.StepID,
		attempt.Action,
		attempt.Attempt,
		attempt.Status,
		attempt.Message,
		attempt.StartedAt.UTC().Format(time.RFC3339),
		finished,
		attempt.Error,
	)
	return err
}

// GetJob returns the job record, or nil when the job is unknown.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT work_item_id, workflow, status, started_at, finished_at, error
		FROM jobs
		WHERE job_id = ?`,
		jobID,
	)

	var (
		job        JobRecord
		startedAt  string
		finishedAt sql.NullString
		errText    sql.NullString
	)
	err := row.Scan(&job.WorkItemID, &job.Workflow, &job.Status, &startedAt, &finishedAt, &errText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.JobID = jobID
	job.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid && finishedAt.String != "" {
		job.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}
	if errText.Valid {
		job.Error = errText.String
	}
	return &job, nil
}

// ListAttempts returns a job's attempts in insertion order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, jobID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, action, attempt, status, message, started_at, finished_at, error
		FROM step_attempts
		WHERE job_id = ?
		ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []AttemptRecord
	for rows.Next() {
		var (
			a          AttemptRecord
			startedAt  string
			finishedAt sql.NullString
			message    sql.NullString
			errText    sql.NullString
		)
		if err := rows.Scan(&a.StepID, &a.Action, &a.Attempt, &a.Status, &message, &startedAt, &finishedAt, &errText); err != nil {
			return nil, err
		}
		a.JobID = jobID
		a.Message = message.String
		a.Error = errText.String
		a.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid && finishedAt.String != "" {
			a.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Summarize aggregates a job's status and attempt count.
func (s *SQLiteStore) Summarize(ctx context.Context, jobID string) (JobSummary, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return JobSummary{}, err
	}
	if job == nil {
		return JobSummary{}, errors.NewNotFoundError("job", jobID)
	}

	var attemptCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_attempts WHERE job_id = ?`, jobID).Scan(&attemptCount); err != nil {
		return JobSummary{}, err
	}

	return JobSummary{
		JobID:    jobID,
		Status:   job.Status,
		Attempts: attemptCount,
		Started:  job.StartedAt,
		Finished: job.FinishedAt,
	}, nil
}
