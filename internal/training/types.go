package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
)

// Status tracks a job through the queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Config controls dispatch, retry and capacity.
type Config struct {
	MaxConcurrent      int           `json:"max_concurrent"`
	MaxQueueSize       int           `json:"max_queue_size"`
	DefaultPriority    int           `json:"default_priority"`
	MaxRetries         int           `json:"max_retries"`
	ProcessingTimeout  time.Duration `json:"processing_timeout"`
	RetryDelay         time.Duration `json:"retry_delay"`
	BatchSize          int           `json:"batch_size"`
	ProcessingInterval time.Duration `json:"processing_interval"`
	// BackoffMultiplier grows RetryDelay per attempt. 1 (the default) keeps
	// the delay fixed.
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      3,
		MaxQueueSize:       100,
		DefaultPriority:    5,
		MaxRetries:         3,
		ProcessingTimeout:  5 * time.Minute,
		RetryDelay:         30 * time.Second,
		BatchSize:          5,
		ProcessingInterval: 10 * time.Second,
		BackoffMultiplier:  1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = d.DefaultPriority
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = d.ProcessingInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	return c
}

// Trainer trains an adapter against its dataset and reports the skill (or
// error node) it ends up bound to.
type Trainer interface {
	DiscoverSkill(ctx context.Context, adapter cognitive.Adapter, dataset cognitive.Dataset) (*registry.DiscoveryResult, error)
}

// Job is a queued training request. Values handed out by the queue are
// snapshots.
type Job struct {
	QueueID     string                    `json:"queueId"`
	Adapter     cognitive.Adapter         `json:"-"`
	AdapterID   string                    `json:"adapterId"`
	Dataset     cognitive.Dataset         `json:"dataset"`
	Priority    int                       `json:"priority"`
	Status      Status                    `json:"status"`
	SubmittedAt time.Time                 `json:"submittedAt"`
	StartedAt   *time.Time                `json:"startedAt,omitempty"`
	CompletedAt *time.Time                `json:"completedAt,omitempty"`
	RetryCount  int                       `json:"retryCount"`
	MaxRetries  int                       `json:"maxRetries"`
	LastError   string                    `json:"lastError,omitempty"`
	Result      *registry.DiscoveryResult `json:"result,omitempty"`

	seq     uint64
	readyAt time.Time
}

// Attempts is the number of times the job has been started.
func (j Job) Attempts() int {
	if j.StartedAt == nil {
		return 0
	}
	if j.Status == StatusFailed || j.Status == StatusRetrying || j.Status == StatusPending {
		return j.RetryCount
	}
	return j.RetryCount + 1
}

func (j *Job) snapshot() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return c
}

// Listener receives terminal and retry transitions. Calls happen on the job's
// goroutine, outside the queue lock.
type Listener interface {
	JobCompleted(job Job)
	JobRetrying(job Job)
	JobFailed(job Job)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnCompleted func(Job)
	OnRetrying  func(Job)
	OnFailed    func(Job)
}

func (l ListenerFuncs) JobCompleted(j Job) {
	if l.OnCompleted != nil {
		l.OnCompleted(j)
	}
}

func (l ListenerFuncs) JobRetrying(j Job) {
	if l.OnRetrying != nil {
		l.OnRetrying(j)
	}
}

func (l ListenerFuncs) JobFailed(j Job) {
	if l.OnFailed != nil {
		l.OnFailed(j)
	}
}

// Metrics is a point-in-time view of queue counters.
type Metrics struct {
	TotalEnqueued         int64         `json:"totalEnqueued"`
	TotalProcessing       int           `json:"totalProcessing"`
	TotalCompleted        int64         `json:"totalCompleted"`
	TotalFailed           int64         `json:"totalFailed"`
	TotalRetried          int64         `json:"totalRetried"`
	Pending               int           `json:"pending"`
	Retrying              int           `json:"retrying"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	SuccessRate           float64       `json:"successRate"`
	ThroughputPerHour     float64       `json:"throughputPerHour"`
}

// ErrQueueNotStarted is returned by Enqueue before Start.
var ErrQueueNotStarted = errors.New("training queue not started")

// QueueFullError rejects an enqueue when the pending set is at capacity.
type QueueFullError struct {
	Pending int
	Max     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("training queue full: %d pending, max %d", e.Pending, e.Max)
}

// JobTimeoutError marks an attempt that exceeded the processing timeout.
type JobTimeoutError struct {
	QueueID string
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("training job %s timed out after %s", e.QueueID, e.Timeout)
}

func (e *JobTimeoutError) Unwrap() error { return context.DeadlineExceeded }
