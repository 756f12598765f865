package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/training"
)

// JobRecord is one persisted row of training job history.
type JobRecord struct {
	QueueID     string     `json:"queueId"`
	AdapterID   string     `json:"adapterId"`
	DatasetID   string     `json:"datasetId"`
	ErrorType   string     `json:"errorType,omitempty"`
	ClusterID   string     `json:"clusterId,omitempty"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	LastError   string     `json:"lastError,omitempty"`
	SkillURI    string     `json:"skillURI,omitempty"`
	ErrorNodeID string     `json:"errorNodeId,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RecordFromJob flattens a queue snapshot into a history row.
func RecordFromJob(j training.Job) JobRecord {
	r := JobRecord{
		QueueID:     j.QueueID,
		AdapterID:   j.AdapterID,
		DatasetID:   j.Dataset.ID,
		ErrorType:   j.Dataset.ErrorType,
		ClusterID:   j.Dataset.ClusterID,
		Priority:    j.Priority,
		Status:      string(j.Status),
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		LastError:   j.LastError,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Result != nil {
		r.SkillURI = j.Result.SkillURI
		r.ErrorNodeID = j.Result.ErrorNodeID
		if j.Result.ClusterID != "" {
			r.ClusterID = j.Result.ClusterID
		}
	}
	return r
}

// SaveJob upserts the row for a job.
func (s *Store) SaveJob(ctx context.Context, r JobRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO training_jobs (queue_id, adapter_id, dataset_id, error_type, cluster_id,
			priority, status, retry_count, max_retries, last_error, skill_uri, error_node_id,
			submitted_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (queue_id) DO UPDATE SET
			cluster_id = EXCLUDED.cluster_id,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			skill_uri = EXCLUDED.skill_uri,
			error_node_id = EXCLUDED.error_node_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()`,
		r.QueueID, r.AdapterID, r.DatasetID, r.ErrorType, r.ClusterID,
		r.Priority, r.Status, r.RetryCount, r.MaxRetries, r.LastError, r.SkillURI, r.ErrorNodeID,
		r.SubmittedAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", r.QueueID, err)
	}
	return nil
}

// GetJob loads one job by queue id.
func (s *Store) GetJob(ctx context.Context, queueID string) (*JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `WHERE queue_id = $1`, queueID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ListJobs returns the most recently updated jobs, optionally filtered by
// status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.queryJobs(ctx, `ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	return s.queryJobs(ctx, `WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, status, limit)
}

func (s *Store) queryJobs(ctx context.Context, where string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT queue_id, adapter_id, dataset_id, error_type, cluster_id, priority, status,
			retry_count, max_retries, last_error, skill_uri, error_node_id,
			submitted_at, started_at, completed_at, updated_at
		FROM training_jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.QueueID, &r.AdapterID, &r.DatasetID, &r.ErrorType, &r.ClusterID,
			&r.Priority, &r.Status, &r.RetryCount, &r.MaxRetries, &r.LastError, &r.SkillURI,
			&r.ErrorNodeID, &r.SubmittedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveInvocation appends one router invocation to history.
func (s *Store) SaveInvocation(ctx context.Context, digest, skillURI string, res *router.InvocationResult) error {
	if res == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO invocations (invocation_id, skill_uri, digest, success, status,
			execution_ms, consensus, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.InvocationID, skillURI, digest, res.Success, res.Status,
		float64(res.ExecutionTime)/float64(time.Millisecond), res.ConsensusReached, res.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	return nil
}
