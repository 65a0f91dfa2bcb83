// Package store provides persistent storage for marker job state and results using SQLite.
package store

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

	"github.com/atlasmap-sc/markers/internal/markers"
)

// ErrNotQueued is returned when a job left the queued state before it could be
// started or cancelled.
var ErrNotQueued = errors.New("job is no longer queued")

// JobStatus represents the current state of a marker job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Result views.
const (
	ViewAll      = "all"
	ViewFiltered = "filtered"
	ViewTop      = "top"
)

// JobParams contains the parameters for a marker job.
type JobParams struct {
	DatasetID       string            `json:"dataset_id"`
	ClusterKey      string            `json:"cluster_key"`
	Clusters        []string          `json:"clusters,omitempty"`
	Replicates      int               `json:"replicates"`
	Seed            uint64            `json:"seed"`
	Workers         int               `json:"workers"`
	NormalizeTarget float64           `json:"normalize_target,omitempty"`
	Selection       markers.Selection `json:"selection"`
}

// JobProgress represents the progress of a marker job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents a marker discovery job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NCells     int         `json:"n_cells"`
	NClusters  int         `json:"n_clusters"`
	Error      string      `json:"error,omitempty"`
}

// Store provides persistent storage for marker jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based marker store.
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
	CREATE TABLE IF NOT EXISTS marker_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_cells INTEGER DEFAULT 0,
		n_clusters INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_marker_jobs_dataset ON marker_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_marker_jobs_status ON marker_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_marker_jobs_finished ON marker_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS marker_rows (
		job_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		leiden TEXT NOT NULL,
		gene_id TEXT NOT NULL,
		gene_rank INTEGER NOT NULL,
		gini REAL NOT NULL,
		expr REAL NOT NULL,
		filtered INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, ord),
		FOREIGN KEY (job_id) REFERENCES marker_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_marker_rows_filtered ON marker_rows(job_id, filtered, ord);
	CREATE INDEX IF NOT EXISTS idx_marker_rows_cluster ON marker_rows(job_id, leiden, ord);

	CREATE TABLE IF NOT EXISTS marker_top (
		job_id TEXT NOT NULL,
		leiden TEXT NOT NULL,
		position INTEGER NOT NULL,
		gene_id TEXT NOT NULL,
		PRIMARY KEY (job_id, leiden, position),
		FOREIGN KEY (job_id) REFERENCES marker_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_clusters, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO marker_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NCells,
		job.NClusters,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM marker_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message. Terminal statuses
// also stamp finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE marker_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a queued job as running with start time. It returns
// ErrNotQueued when the job is in any other state.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE marker_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), now, jobID, string(JobStatusQueued))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotQueued
	}
	return nil
}

// CancelQueuedJob marks a queued job as cancelled. It returns ErrNotQueued
// when the job already started or finished.
func (s *Store) CancelQueuedJob(jobID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE marker_jobs SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusCancelled), errMsg, now, jobID, string(JobStatusQueued))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotQueued
	}
	return nil
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE marker_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts records the population size of a job.
func (s *Store) UpdateJobCounts(jobID string, nCells, nClusters int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE marker_jobs SET n_cells = ?, n_clusters = ?
		WHERE job_id = ?
	`, nCells, nClusters, jobID)
	return err
}

// SaveResult stores the marker table, the filtered flags and the top markers
// of a run in one transaction.
func (s *Store) SaveResult(jobID string, res *markers.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct{ cluster, gene string }
	filtered := make(map[key]bool, len(res.Filtered))
	for _, r := range res.Filtered {
		filtered[key{r.Cluster, r.GeneID}] = true
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rowStmt, err := tx.Prepare(`
		INSERT INTO marker_rows (job_id, ord, leiden, gene_id, gene_rank, gini, expr, filtered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer rowStmt.Close()

	for i, r := range res.Summary.Rows {
		flag := 0
		if filtered[key{r.Cluster, r.GeneID}] {
			flag = 1
		}
		if _, err := rowStmt.Exec(jobID, i, r.Cluster, r.GeneID, r.Rank, r.Gini, r.Expr, flag); err != nil {
			return err
		}
	}

	topStmt, err := tx.Prepare(`INSERT INTO marker_top (job_id, leiden, position, gene_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer topStmt.Close()

	for _, cm := range res.Top {
		for pos, g := range cm.Genes {
			if _, err := topStmt.Exec(jobID, cm.Cluster, pos, g); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// QueryRows returns one page of a result view, optionally restricted to one
// cluster, in table order, together with the total row count of the view.
func (s *Store) QueryRows(jobID, view, cluster string, offset, limit int) ([]markers.Row, int, error) {
	where := "job_id = ?"
	args := []interface{}{jobID}
	switch view {
	case ViewAll, "":
	case ViewFiltered:
		where += " AND filtered = 1"
	default:
		return nil, 0, fmt.Errorf("unknown view %q", view)
	}
	if cluster != "" {
		where += " AND leiden = ?"
		args = append(args, cluster)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM marker_rows WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT leiden, gene_id, gene_rank, gini, expr
		FROM marker_rows
		WHERE `+where+`
		ORDER BY ord
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := make([]markers.Row, 0)
	for rows.Next() {
		var r markers.Row
		if err := rows.Scan(&r.Cluster, &r.GeneID, &r.Rank, &r.Gini, &r.Expr); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// QueryTop returns the top markers of a job, clusters sorted by label.
func (s *Store) QueryTop(jobID, cluster string) ([]markers.ClusterMarkers, error) {
	where := "job_id = ?"
	args := []interface{}{jobID}
	if cluster != "" {
		where += " AND leiden = ?"
		args = append(args, cluster)
	}
	rows, err := s.db.Query(`
		SELECT leiden, gene_id FROM marker_top
		WHERE `+where+`
		ORDER BY leiden, position
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]markers.ClusterMarkers, 0)
	for rows.Next() {
		var c, g string
		if err := rows.Scan(&c, &g); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Cluster != c {
			out = append(out, markers.ClusterMarkers{Cluster: c})
		}
		last := &out[len(out)-1]
		last.Genes = append(last.Genes, g)
	}
	return out, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM marker_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM marker_jobs WHERE status = ?
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

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE marker_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	expired := `SELECT job_id FROM marker_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`

	for _, table := range []string{"marker_rows", "marker_top"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE job_id IN ("+expired+")", cutoff); err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`DELETE FROM marker_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"marker_rows", "marker_top", "marker_jobs"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
			return err
		}
	}
	return nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.NCells,
			&job.NClusters,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
