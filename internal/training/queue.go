// Package training runs adapter training jobs with bounded concurrency,
// priority dispatch and retry.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
)

// Queue is a priority training queue. All job maps are guarded by mu.
type Queue struct {
	cfg     Config
	trainer Trainer
	slots   *semaphore.Weighted
	inst    *instruments
	logger  *zap.Logger

	mu         sync.Mutex
	pending    map[string]*Job
	retrying   map[string]*Job // waiting out a retry delay, outside the size bound
	processing map[string]*Job
	completed  map[string]*Job
	failed     map[string]*Job
	seq        uint64
	started    bool
	startedAt  time.Time
	cancel     context.CancelFunc
	loopDone   chan struct{}
	stats      counters

	listenersMu sync.RWMutex
	listeners   []Listener

	inflight sync.WaitGroup
}

type counters struct {
	enqueued  int64
	completed int64
	failed    int64
	retried   int64
	finished  int64 // terminal attempts folded into totalTime
	totalTime time.Duration
}

// NewQueue creates a stopped queue. Zero values in cfg get defaults.
func NewQueue(cfg Config, trainer Trainer, logger *zap.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:        cfg,
		trainer:    trainer,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inst:       newInstruments(logger),
		logger:     logger,
		pending:    make(map[string]*Job),
		retrying:   make(map[string]*Job),
		processing: make(map[string]*Job),
		completed:  make(map[string]*Job),
		failed:     make(map[string]*Job),
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// AddListener registers l for job transitions.
func (q *Queue) AddListener(l Listener) {
	q.listenersMu.Lock()
	q.listeners = append(q.listeners, l)
	q.listenersMu.Unlock()
}

// Start launches the dispatch loop. Calling Start on a running queue is a
// no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.started = true
	if q.startedAt.IsZero() {
		q.startedAt = time.Now()
	}
	q.cancel = cancel
	q.loopDone = make(chan struct{})
	go q.loop(ctx, q.loopDone)

	q.logger.Info("training queue started",
		zap.Int("max_concurrent", q.cfg.MaxConcurrent),
		zap.Int("max_queue_size", q.cfg.MaxQueueSize),
		zap.Duration("interval", q.cfg.ProcessingInterval))
}

// Stop halts the dispatch loop. In-flight jobs keep running until they finish
// or hit their timeout; use Wait to block on them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel, done := q.cancel, q.loopDone
	q.mu.Unlock()

	cancel()
	<-done
	q.logger.Info("training queue stopped")
}

// Wait blocks until every in-flight job has reached a terminal or retrying
// state.
func (q *Queue) Wait() { q.inflight.Wait() }

// Enqueue adds a job. A priority <= 0 takes the configured default.
func (q *Queue) Enqueue(adapter cognitive.Adapter, dataset cognitive.Dataset, priority int) (string, error) {
	if adapter == nil {
		return "", errors.New("enqueue: nil adapter")
	}
	if priority <= 0 {
		priority = q.cfg.DefaultPriority
	}

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return "", ErrQueueNotStarted
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		n := len(q.pending)
		q.mu.Unlock()
		return "", &QueueFullError{Pending: n, Max: q.cfg.MaxQueueSize}
	}
	q.seq++
	job := &Job{
		QueueID:     uuid.New().String(),
		Adapter:     adapter,
		AdapterID:   adapter.ID(),
		Dataset:     dataset,
		Priority:    priority,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		MaxRetries:  q.cfg.MaxRetries,
		seq:         q.seq,
	}
	q.pending[job.QueueID] = job
	q.stats.enqueued++
	q.mu.Unlock()

	q.inst.enqueued(job)
	q.logger.Info("training job enqueued",
		zap.String("job", job.QueueID),
		zap.String("adapter", job.AdapterID),
		zap.String("cluster", dataset.ClusterID),
		zap.Int("priority", priority))
	return job.QueueID, nil
}

// Status looks a job up in every map.
func (q *Queue) Status(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range []map[string]*Job{q.pending, q.retrying, q.processing, q.completed, q.failed} {
		if j, ok := m[id]; ok {
			return j.snapshot(), true
		}
	}
	return Job{}, false
}

// PendingItems and the other snapshots are sorted by priority, then
// submission order.
func (q *Queue) PendingItems() []Job {
	return q.items(func(q *Queue) map[string]*Job { return q.pending })
}

func (q *Queue) RetryingItems() []Job {
	return q.items(func(q *Queue) map[string]*Job { return q.retrying })
}

func (q *Queue) ProcessingItems() []Job {
	return q.items(func(q *Queue) map[string]*Job { return q.processing })
}

func (q *Queue) CompletedItems() []Job {
	return q.items(func(q *Queue) map[string]*Job { return q.completed })
}

func (q *Queue) FailedItems() []Job {
	return q.items(func(q *Queue) map[string]*Job { return q.failed })
}

func (q *Queue) items(pick func(*Queue) map[string]*Job) []Job {
	q.mu.Lock()
	m := pick(q)
	out := make([]Job, 0, len(m))
	for _, j := range m {
		out = append(out, j.snapshot())
	}
	q.mu.Unlock()
	sortJobs(out)
	return out
}

// ClearCompleted empties the completed map and returns how many were removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.completed)
	q.completed = make(map[string]*Job)
	return n
}

// ClearFailed empties the failed map and returns how many were removed.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.failed)
	q.failed = make(map[string]*Job)
	return n
}

// Metrics returns current counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := Metrics{
		TotalEnqueued:   q.stats.enqueued,
		TotalProcessing: len(q.processing),
		TotalCompleted:  q.stats.completed,
		TotalFailed:     q.stats.failed,
		TotalRetried:    q.stats.retried,
		Pending:         len(q.pending),
		Retrying:        len(q.retrying),
	}
	if q.stats.finished > 0 {
		m.AverageProcessingTime = q.stats.totalTime / time.Duration(q.stats.finished)
	}
	if done := q.stats.completed + q.stats.failed; done > 0 {
		m.SuccessRate = float64(q.stats.completed) / float64(done)
		if !q.startedAt.IsZero() {
			if hours := time.Since(q.startedAt).Hours(); hours > 0 {
				m.ThroughputPerHour = float64(done) / hours
			}
		}
	}
	return m
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch promotes retries whose delay elapsed while pending has room,
// then starts the highest-priority pending jobs that fit in the free slots.
func (q *Queue) dispatch() {
	now := time.Now()

	q.mu.Lock()
	q.promoteRetries(now)
	ready := make([]*Job, 0, len(q.pending))
	for _, j := range q.pending {
		ready = append(ready, j)
	}
	capacity := q.cfg.MaxConcurrent - len(q.processing)
	if capacity > q.cfg.BatchSize {
		capacity = q.cfg.BatchSize
	}
	if capacity <= 0 || len(ready) == 0 {
		q.mu.Unlock()
		return
	}
	sort.Slice(ready, func(a, b int) bool { return before(ready[a], ready[b]) })

	var batch []*Job
	for _, j := range ready {
		if len(batch) == capacity || !q.slots.TryAcquire(1) {
			break
		}
		started := now
		j.Status = StatusProcessing
		j.StartedAt = &started
		delete(q.pending, j.QueueID)
		q.processing[j.QueueID] = j
		batch = append(batch, j)
	}
	q.inflight.Add(len(batch))
	q.mu.Unlock()

	for _, j := range batch {
		q.inst.started()
		go q.run(j)
	}
}

// promoteRetries moves due retries into pending, highest priority first,
// without exceeding MaxQueueSize. Callers hold mu.
func (q *Queue) promoteRetries(now time.Time) {
	var due []*Job
	for _, j := range q.retrying {
		if !now.Before(j.readyAt) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return before(due[a], due[b]) })
	for _, j := range due {
		if len(q.pending) >= q.cfg.MaxQueueSize {
			return
		}
		j.Status = StatusPending
		delete(q.retrying, j.QueueID)
		q.pending[j.QueueID] = j
	}
}

func (q *Queue) run(job *Job) {
	defer q.inflight.Done()
	defer q.slots.Release(1)

	q.mu.Lock()
	id, adapter, dataset := job.QueueID, job.Adapter, job.Dataset
	start := *job.StartedAt
	q.mu.Unlock()

	q.logger.Info("training job started", zap.String("job", id), zap.String("adapter", adapter.ID()))

	res, err := q.train(id, adapter, dataset)
	elapsed := time.Since(start)
	if err == nil {
		if vErr := res.Validate(); vErr != nil {
			err = fmt.Errorf("trainer returned %w", vErr)
		}
	}

	q.mu.Lock()
	delete(q.processing, id)
	q.stats.totalTime += elapsed
	q.stats.finished++
	var event func(Listener, Job)
	if err == nil {
		done := time.Now()
		job.Status = StatusCompleted
		job.CompletedAt = &done
		job.Result = res
		job.LastError = ""
		q.completed[id] = job
		q.stats.completed++
		event = Listener.JobCompleted
	} else {
		job.RetryCount++
		job.LastError = err.Error()
		if job.RetryCount <= job.MaxRetries {
			job.Status = StatusRetrying
			job.readyAt = time.Now().Add(q.retryDelay(job.RetryCount))
			q.retrying[id] = job
			q.stats.retried++
			event = Listener.JobRetrying
		} else {
			done := time.Now()
			job.Status = StatusFailed
			job.CompletedAt = &done
			q.failed[id] = job
			q.stats.failed++
			event = Listener.JobFailed
		}
	}
	snap := job.snapshot()
	q.mu.Unlock()

	q.inst.finished(snap, elapsed)
	switch snap.Status {
	case StatusCompleted:
		q.logger.Info("training job completed",
			zap.String("job", id),
			zap.Duration("elapsed", elapsed),
			zap.Bool("skill_found", res.SkillFound))
	case StatusRetrying:
		q.logger.Warn("training job failed, retrying",
			zap.String("job", id),
			zap.Int("attempt", snap.RetryCount),
			zap.Int("max_retries", snap.MaxRetries),
			zap.Error(err))
	default:
		q.logger.Error("training job failed",
			zap.String("job", id),
			zap.Int("attempts", snap.RetryCount),
			zap.Error(err))
	}

	q.listenersMu.RLock()
	ls := append([]Listener(nil), q.listeners...)
	q.listenersMu.RUnlock()
	for _, l := range ls {
		event(l, snap)
	}
}

// train calls the trainer under the processing timeout. A trainer that
// ignores its context is abandoned when the timeout fires.
func (q *Queue) train(id string, adapter cognitive.Adapter, dataset cognitive.Dataset) (*registry.DiscoveryResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessingTimeout)
	defer cancel()

	type outcome struct {
		res *registry.DiscoveryResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := q.trainer.DiscoverSkill(ctx, adapter, dataset)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, &JobTimeoutError{QueueID: id, Timeout: q.cfg.ProcessingTimeout}
			}
			return nil, o.err
		}
		if o.res == nil {
			return nil, errors.New("trainer returned no result")
		}
		return o.res, nil
	case <-ctx.Done():
		return nil, &JobTimeoutError{QueueID: id, Timeout: q.cfg.ProcessingTimeout}
	}
}

// retryDelay is RetryDelay × BackoffMultiplier^(attempt-1).
func (q *Queue) retryDelay(attempt int) time.Duration {
	if q.cfg.BackoffMultiplier <= 1 || attempt <= 1 {
		return q.cfg.RetryDelay
	}
	return time.Duration(float64(q.cfg.RetryDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(attempt-1)))
}

// before orders by priority descending, then submission order.
func before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.seq < b.seq
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool { return before(&jobs[a], &jobs[b]) })
}
