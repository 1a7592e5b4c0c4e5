// Package jobstore provides persistent storage for export job state using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vhisto/server/internal/stack"
)

// JobStatus represents the current state of an export job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobProgress counts finished units of a job.
type JobProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// JobCounts summarizes unit outcomes once a job stops.
type JobCounts struct {
	Written   int `json:"written"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// ExportJob is one queued or executed export request.
type ExportJob struct {
	ID         string        `json:"job_id"`
	SampleID   string        `json:"sample_id"`
	Status     JobStatus     `json:"status"`
	Request    stack.Request `json:"request"`
	Progress   JobProgress   `json:"progress"`
	Counts     JobCounts     `json:"counts"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// UnitFailure is one failed output of a job.
type UnitFailure struct {
	Z            int    `json:"z"`
	Augmentation string `json:"augmentation"`
	Token        string `json:"token"`
	Path         string `json:"path"`
	Error        string `json:"error"`
}

// timeLayout sorts lexically in creation order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// Store provides persistent storage for export jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS export_jobs (
		job_id TEXT PRIMARY KEY,
		sample_id TEXT NOT NULL,
		status TEXT NOT NULL,
		request_json TEXT NOT NULL,
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		written INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		cancelled INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_export_jobs_sample ON export_jobs(sample_id);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_finished ON export_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS export_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		z INTEGER NOT NULL,
		augmentation TEXT NOT NULL,
		token TEXT NOT NULL,
		path TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES export_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_export_failures_job ON export_failures(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, sample_id, status, request_json, done, total, written, failed, cancelled, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO export_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.SampleID,
		string(job.Status),
		string(requestJSON),
		job.Progress.Done,
		job.Progress.Total,
		job.Counts.Written,
		job.Counts.Failed,
		job.Counts.Cancelled,
		job.Error,
		formatTime(job.CreatedAt),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job yields (nil, nil).
func (s *Store) GetJob(jobID string) (*ExportJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM export_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status, stamping finished_at for terminal states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE export_jobs SET done = ?, total = ?
		WHERE job_id = ?
	`, done, total, jobID)
	return err
}

// UpdateJobCounts records the unit outcome counts.
func (s *Store) UpdateJobCounts(jobID string, c JobCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE export_jobs SET written = ?, failed = ?, cancelled = ?
		WHERE job_id = ?
	`, c.Written, c.Failed, c.Cancelled, jobID)
	return err
}

// InsertFailures records failed units in a batch transaction.
func (s *Store) InsertFailures(jobID string, failures []UnitFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO export_failures (job_id, z, augmentation, token, path, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range failures {
		if _, err := stmt.Exec(jobID, f.Z, f.Augmentation, f.Token, f.Path, f.Error); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryFailures pages through a job's failed units in z order.
func (s *Store) QueryFailures(jobID string, offset, limit int) ([]UnitFailure, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM export_failures WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT z, augmentation, token, path, error
		FROM export_failures
		WHERE job_id = ?
		ORDER BY z ASC, id ASC
		LIMIT ? OFFSET ?
	`, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []UnitFailure
	for rows.Next() {
		var f UnitFailure
		if err := rows.Scan(&f.Z, &f.Augmentation, &f.Token, &f.Path, &f.Error); err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// ListJobsBySample returns all jobs for a sample, newest first.
func (s *Store) ListJobsBySample(sampleID string) ([]*ExportJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM export_jobs WHERE sample_id = ?
		ORDER BY created_at DESC
	`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*ExportJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM export_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE export_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs that finished more than retentionDays ago.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	// Delete failures first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM export_failures WHERE job_id IN (
			SELECT job_id FROM export_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM export_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its failures.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM export_failures WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM export_jobs WHERE job_id = ?", jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExportJob, error) {
	var job ExportJob
	var requestJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.SampleID,
		&job.Status,
		&requestJSON,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Counts.Written,
		&job.Counts.Failed,
		&job.Counts.Cancelled,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requestJSON), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	job.CreatedAt = parseTime(createdAtStr)
	if startedAtStr.Valid {
		t := parseTime(startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t := parseTime(finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*ExportJob, error) {
	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
