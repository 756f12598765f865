// Package orchestrator drives one error through fingerprinting, discovery,
// training and invocation, and owns the queue and bridge lifecycles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/dedupe"
	"github.com/nidhogg/knirv-skillnet/internal/events"
	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/similar"
	"github.com/nidhogg/knirv-skillnet/internal/skill"
	"github.com/nidhogg/knirv-skillnet/internal/skillgraph"
	"github.com/nidhogg/knirv-skillnet/internal/store"
	"github.com/nidhogg/knirv-skillnet/internal/training"
	"github.com/nidhogg/knirv-skillnet/internal/weightsync"
)

// Config carries the engine's identity and discovery parameters.
type Config struct {
	Agent      fingerprint.AgentInfo
	MaxResults int
	Threshold  float64
	// CallTimeout bounds background invocations made after training.
	CallTimeout time.Duration
	// History is the number of recent outcomes kept for Recent.
	History int
}

// Deps are the collaborators. Registry, Router, Queue, Tokens and Adapters
// are required; the rest may be nil.
type Deps struct {
	Registry Discoverer
	Router   Invoker
	Queue    *training.Queue
	Bridge   *weightsync.Bridge
	Core     cognitive.Core
	Catalog  *skill.Manager
	Graph    SkillGraph
	Similar  SimilarIndex
	Dedupe   dedupe.Set
	Tokens   router.TokenSource
	Adapters AdapterFactory
	Settler  Settler
	History  History
	Events   events.Publisher
}

type pendingRequest struct {
	key    similar.Key
	params map[string]any
}

// Engine is the error → skill pipeline.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingRequest // queue id → waiting request
	subs    []chan Outcome
	recent  []Outcome
	started bool
	closed  bool

	wg sync.WaitGroup
}

// NewEngine wires the engine and registers it as a queue listener.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry client is required")
	case deps.Router == nil:
		return nil, errors.New("orchestrator: router client is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: training queue is required")
	case deps.Tokens == nil:
		return nil, errors.New("orchestrator: token source is required")
	case deps.Adapters == nil:
		return nil, errors.New("orchestrator: adapter factory is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = skill.NewManager()
	}
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.NewMemory(time.Hour)
	}
	if deps.Settler == nil {
		deps.Settler = LogSettler{Logger: logger}
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.History <= 0 {
		cfg.History = 100
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		pending: make(map[string]pendingRequest),
	}
	deps.Queue.AddListener(e)
	return e, nil
}

// Queue exposes the training queue.
func (e *Engine) Queue() *training.Queue { return e.deps.Queue }

// Bridge exposes the weight sync bridge, nil when sync is disabled.
func (e *Engine) Bridge() *weightsync.Bridge { return e.deps.Bridge }

// Graph exposes the skill graph, nil when none is configured.
func (e *Engine) Graph() SkillGraph { return e.deps.Graph }

// Catalog exposes the local skill catalog.
func (e *Engine) Catalog() *skill.Manager { return e.deps.Catalog }

// Start starts the queue and, when a core is configured, the bridge.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.deps.Queue.Start()
	if e.deps.Bridge != nil && e.deps.Core != nil {
		e.deps.Bridge.AttachCore(e.deps.Core)
		if err := e.deps.Bridge.Start(ctx); err != nil && !errors.Is(err, weightsync.ErrNotAttached) {
			return fmt.Errorf("start weight sync: %w", err)
		}
	}
	e.logger.Info("orchestrator started", zap.String("agent", e.cfg.Agent.ID))
	return nil
}

// Stop stops the bridge and the queue, waits for running jobs and
// background invocations, then closes subscriber channels.
func (e *Engine) Stop() {
	if e.deps.Bridge != nil {
		e.deps.Bridge.Stop()
	}
	e.deps.Queue.Stop()
	e.deps.Queue.Wait()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.logger.Info("orchestrator stopped")
}

// Subscribe returns a channel receiving every outcome, including those
// produced after training completes. Slow subscribers drop outcomes. The
// channel closes on Stop.
func (e *Engine) Subscribe() <-chan Outcome {
	ch := make(chan Outcome, 32)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Recent returns up to limit of the latest outcomes, newest last.
func (e *Engine) Recent(limit int) []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	return append([]Outcome(nil), e.recent[len(e.recent)-limit:]...)
}

// HandleError fingerprints err and resolves it: a known skill is invoked and
// settled, an unknown one is registered and queued for training. A
// fingerprint already in flight is not resubmitted.
func (e *Engine) HandleError(ctx context.Context, err error, task string, extra fingerprint.Extra) (*Outcome, error) {
	fp := fingerprint.Build(err, e.cfg.Agent, task, extra)
	key := similar.KeyOf(fp)
	digest := key.Digest
	params := invokeParams(fp)
	log := e.logger.With(zap.String("digest", digest), zap.String("error_type", fp.Detail().Type))

	if e.deps.Graph != nil {
		if gErr := e.deps.Graph.RecordError(ctx, fp); gErr != nil {
			log.Warn("skill graph unavailable", zap.Error(gErr))
		}
	}

	if s, ok := e.lookupLocal(ctx, key); ok {
		log.Info("resolved from local catalog", zap.String("skill_uri", s.URI))
		out, err := e.invoke(ctx, digest, fp.Detail().Type, s.URI, s.Source, s.ClusterID, params)
		out.Cached = true
		e.finish(out)
		return out, err
	}

	owned, dErr := e.deps.Dedupe.Acquire(ctx, digest)
	if dErr != nil {
		log.Warn("dedupe unavailable, continuing", zap.Error(dErr))
		owned = true
	}
	if !owned {
		log.Info("fingerprint already in flight")
		out := &Outcome{Kind: OutcomeInFlight, Digest: digest, ErrorType: fp.Detail().Type}
		e.finish(out)
		return out, nil
	}

	res, err := e.deps.Registry.Discover(ctx, fp, e.cfg.MaxResults, e.cfg.Threshold)
	if err != nil {
		e.release(digest)
		out := &Outcome{Kind: OutcomeFailed, Digest: digest, ErrorType: fp.Detail().Type, Error: err.Error()}
		e.finish(out)
		return out, fmt.Errorf("discover: %w", err)
	}

	if res.SkillFound {
		e.remember(ctx, key, res, skill.SourceRegistry)
		out, err := e.invoke(ctx, digest, fp.Detail().Type, res.SkillURI, skill.SourceRegistry, res.ClusterID, params)
		e.release(digest)
		e.finish(out)
		return out, err
	}

	if e.deps.Graph != nil {
		if gErr := e.deps.Graph.LinkCluster(ctx, digest, res.ClusterID, res.ErrorNodeID); gErr != nil {
			log.Warn("failed to link cluster", zap.Error(gErr))
		}
	}

	out, err := e.enqueue(ctx, fp, res, params)
	if err != nil {
		e.release(digest)
	}
	e.finish(out)
	return out, err
}

func (e *Engine) enqueue(ctx context.Context, fp fingerprint.Fingerprint, res *registry.DiscoveryResult, params map[string]any) (*Outcome, error) {
	digest := fp.Digest()
	out := &Outcome{
		Kind:        OutcomeTraining,
		Digest:      digest,
		ErrorType:   fp.Detail().Type,
		ClusterID:   res.ClusterID,
		ErrorNodeID: res.ErrorNodeID,
	}

	adapter, err := e.deps.Adapters("adapter-"+uuid.NewString(), fp)
	if err != nil {
		out.Kind, out.Error = OutcomeFailed, err.Error()
		return out, fmt.Errorf("build adapter: %w", err)
	}
	dataset := datasetFor(fp, res)

	e.mu.Lock()
	id, err := e.deps.Queue.Enqueue(adapter, dataset, priorityFor(fp.Severity()))
	if err == nil {
		e.pending[id] = pendingRequest{key: similar.KeyOf(fp), params: params}
	}
	e.mu.Unlock()
	if err != nil {
		out.Kind, out.Error = OutcomeFailed, err.Error()
		return out, fmt.Errorf("enqueue training: %w", err)
	}
	out.QueueID = id

	if e.deps.Bridge != nil {
		e.deps.Bridge.AttachAdapter(adapter)
		if e.deps.Core != nil && !e.deps.Bridge.Stats().Running {
			if bErr := e.deps.Bridge.Start(ctx); bErr != nil {
				e.logger.Warn("weight sync not started", zap.Error(bErr))
			}
		}
	}
	if job, ok := e.deps.Queue.Status(id); ok {
		e.saveJob(ctx, job)
	}
	e.publish(ctx, events.Event{Kind: events.KindEnqueued, AgentID: e.cfg.Agent.ID, QueueID: id,
		Digest: digest, ErrorNodeID: res.ErrorNodeID})

	e.logger.Info("adapter queued for training",
		zap.String("queue_id", id),
		zap.String("digest", digest),
		zap.String("error_node", res.ErrorNodeID))
	return out, nil
}

// invoke runs uri and settles a success. It never calls the router twice.
// A failed settlement is reported on the outcome, not as an error: the skill
// already ran.
func (e *Engine) invoke(ctx context.Context, digest, errorType, uri, source, clusterID string, params map[string]any) (*Outcome, error) {
	out := &Outcome{
		Kind:        OutcomeInvoked,
		Digest:      digest,
		ErrorType:   errorType,
		SkillURI:    uri,
		SkillSource: source,
		ClusterID:   clusterID,
	}

	token, err := e.deps.Tokens.SpendToken(ctx, uri)
	if err != nil {
		out.Kind, out.Error = OutcomeFailed, fmt.Sprintf("spend token: %v", err)
		return out, fmt.Errorf("spend token: %w", err)
	}

	res, err := e.deps.Router.Invoke(ctx, uri, token, params)
	out.Invocation = res
	success := err == nil && res != nil && res.Success
	e.recordInvocation(ctx, digest, uri, res, success)
	if !success {
		if err == nil {
			err = &router.InvocationError{SkillURI: uri, Err: errors.New("router reported failure")}
		}
		out.Kind, out.Error = OutcomeFailed, err.Error()
		return out, err
	}

	if sErr := e.deps.Settler.Settle(ctx, Settlement{
		SkillURI: uri, InvocationID: res.InvocationID, Digest: digest, Token: token,
	}); sErr != nil {
		out.Error = fmt.Sprintf("settle: %v", sErr)
		e.logger.Error("settlement failed",
			zap.String("skill_uri", uri),
			zap.String("invocation_id", res.InvocationID),
			zap.Error(sErr))
		return out, nil
	}
	out.Settled = true
	return out, nil
}

func (e *Engine) recordInvocation(ctx context.Context, digest, uri string, res *router.InvocationResult, success bool) {
	if s := e.deps.Catalog.GetByURI(uri); s != nil {
		e.deps.Catalog.RecordInvocation(s.ID, success)
	}
	if e.deps.Graph != nil {
		if err := e.deps.Graph.RecordInvocation(ctx, uri, success); err != nil {
			e.logger.Warn("failed to record invocation in skill graph", zap.Error(err))
		}
	}
	if e.deps.History != nil {
		if err := e.deps.History.SaveInvocation(ctx, digest, uri, res); err != nil {
			e.logger.Warn("failed to persist invocation", zap.Error(err))
		}
	}
	ev := events.Event{Kind: events.KindInvoked, AgentID: e.cfg.Agent.ID, Digest: digest, SkillURI: uri}
	if !success {
		ev.Error = "invocation failed"
		if res != nil && res.ErrorMessage != "" {
			ev.Error = res.ErrorMessage
		}
	}
	e.publish(ctx, ev)
}

// lookupLocal checks the catalog, the skill graph, then the similar-error
// index.
func (e *Engine) lookupLocal(ctx context.Context, k similar.Key) (*skill.Skill, bool) {
	if s, ok := e.deps.Catalog.Lookup(k.Digest); ok {
		return s, true
	}
	if e.deps.Graph != nil {
		ref, ok, err := e.deps.Graph.LookupSkill(ctx, k.Digest)
		if err != nil {
			e.logger.Warn("skill graph lookup failed", zap.Error(err))
		} else if ok {
			s := e.deps.Catalog.Add(&skill.Skill{
				URI:         ref.URI,
				ErrorType:   k.ErrorType,
				ClusterID:   ref.ClusterID,
				SkillNodeID: ref.SkillNodeID,
				Confidence:  ref.Confidence,
				Digests:     []string{k.Digest},
				Source:      skill.SourceRegistry,
			})
			return s, true
		}
	}
	if e.deps.Similar == nil {
		return nil, false
	}
	m, ok, err := e.deps.Similar.Nearest(ctx, k)
	if err != nil {
		e.logger.Warn("similar-error lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e.logger.Info("matched a similar solved error",
		zap.String("digest", k.Digest),
		zap.String("similar_to", m.Digest),
		zap.Float32("score", m.Score))
	source := skill.SourceSimilar
	if known := e.deps.Catalog.GetByURI(m.SkillURI); known != nil {
		source = known.Source
	}
	s := e.deps.Catalog.Add(&skill.Skill{
		URI:         m.SkillURI,
		ErrorType:   k.ErrorType,
		ClusterID:   m.ClusterID,
		SkillNodeID: m.SkillNodeID,
		Confidence:  m.Confidence,
		Digests:     []string{k.Digest},
		Source:      source,
	})
	if e.deps.Graph != nil {
		ref := skillgraph.SkillRef{URI: m.SkillURI, SkillNodeID: m.SkillNodeID, ClusterID: m.ClusterID, Confidence: m.Confidence}
		if err := e.deps.Graph.RecordSkill(ctx, k.Digest, ref); err != nil {
			e.logger.Warn("failed to record skill", zap.Error(err))
		}
	}
	return s, true
}

// remember binds a discovered or trained skill to the error behind k.
func (e *Engine) remember(ctx context.Context, k similar.Key, res *registry.DiscoveryResult, source string) {
	e.deps.Catalog.Add(&skill.Skill{
		URI:         res.SkillURI,
		ErrorType:   k.ErrorType,
		ClusterID:   res.ClusterID,
		SkillNodeID: res.SkillNodeID,
		Confidence:  res.Confidence,
		Digests:     []string{k.Digest},
		Source:      source,
	})
	if e.deps.Similar != nil {
		m := similar.Match{SkillURI: res.SkillURI, SkillNodeID: res.SkillNodeID, ClusterID: res.ClusterID, Confidence: res.Confidence}
		if err := e.deps.Similar.Remember(ctx, k, m); err != nil {
			e.logger.Warn("failed to index solved error", zap.Error(err))
		}
	}
	if e.deps.Graph == nil {
		return
	}
	if err := e.deps.Graph.LinkCluster(ctx, k.Digest, res.ClusterID, res.ErrorNodeID); err != nil {
		e.logger.Warn("failed to link cluster", zap.Error(err))
	}
	ref := skillgraph.SkillRef{URI: res.SkillURI, SkillNodeID: res.SkillNodeID, ClusterID: res.ClusterID, Confidence: res.Confidence}
	if err := e.deps.Graph.RecordSkill(ctx, k.Digest, ref); err != nil {
		e.logger.Warn("failed to record skill", zap.Error(err))
	}
}

// JobCompleted invokes the trained skill for the request that queued it.
func (e *Engine) JobCompleted(j training.Job) {
	req, ok := e.take(j.QueueID)
	if !ok {
		return
	}
	e.saveJob(context.Background(), j)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()

		res := j.Result
		if !res.SkillFound {
			if e.deps.Graph != nil {
				if err := e.deps.Graph.LinkCluster(ctx, req.key.Digest, res.ClusterID, res.ErrorNodeID); err != nil {
					e.logger.Warn("failed to link cluster", zap.Error(err))
				}
			}
			e.release(req.key.Digest)
			e.broadcast(Outcome{Kind: OutcomeUnresolved, Digest: req.key.Digest, ErrorType: req.key.ErrorType,
				ClusterID: res.ClusterID, ErrorNodeID: res.ErrorNodeID, QueueID: j.QueueID})
			return
		}

		e.remember(ctx, req.key, res, skill.SourceTrained)
		out, _ := e.invoke(ctx, req.key.Digest, req.key.ErrorType, res.SkillURI, skill.SourceTrained, res.ClusterID, req.params)
		out.QueueID = j.QueueID
		e.release(req.key.Digest)
		e.broadcast(*out)
	}()
}

// JobRetrying only persists the transition.
func (e *Engine) JobRetrying(j training.Job) {
	e.mu.Lock()
	_, ok := e.pending[j.QueueID]
	e.mu.Unlock()
	if ok {
		e.saveJob(context.Background(), j)
	}
}

// JobFailed clears the in-flight mark and reports the failure.
func (e *Engine) JobFailed(j training.Job) {
	req, ok := e.take(j.QueueID)
	if !ok {
		return
	}
	e.saveJob(context.Background(), j)
	e.release(req.key.Digest)
	e.broadcast(Outcome{Kind: OutcomeFailed, Digest: req.key.Digest, ErrorType: req.key.ErrorType,
		ClusterID: j.Dataset.ClusterID, ErrorNodeID: j.Dataset.ErrorNodeID, QueueID: j.QueueID, Error: j.LastError})
}

func (e *Engine) take(queueID string) (pendingRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[queueID]
	delete(e.pending, queueID)
	return req, ok
}

func (e *Engine) release(digest string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.Dedupe.Release(ctx, digest); err != nil {
		e.logger.Warn("failed to clear in-flight mark", zap.String("digest", digest), zap.Error(err))
	}
}

func (e *Engine) saveJob(ctx context.Context, j training.Job) {
	if e.deps.History == nil {
		return
	}
	if err := e.deps.History.SaveJob(ctx, store.RecordFromJob(j)); err != nil {
		e.logger.Warn("failed to persist job", zap.String("queue_id", j.QueueID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// finish stamps an outcome, records it and fans it out to subscribers.
func (e *Engine) finish(out *Outcome) {
	e.stamp(out)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendRecentLocked(*out)
	for _, ch := range e.subs {
		select {
		case ch <- *out:
		default:
			e.logger.Warn("outcome subscriber full, dropping", zap.String("outcome", out.ID))
		}
	}
}

func (e *Engine) broadcast(out Outcome) { e.finish(&out) }

func (e *Engine) stamp(out *Outcome) {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.At.IsZero() {
		out.At = time.Now().UTC()
	}
}

func (e *Engine) appendRecentLocked(out Outcome) {
	e.recent = append(e.recent, out)
	if len(e.recent) > e.cfg.History {
		e.recent = e.recent[len(e.recent)-e.cfg.History:]
	}
}

func invokeParams(fp fingerprint.Fingerprint) map[string]any {
	p := map[string]any{
		"errorType": fp.Detail().Type,
		"message":   fp.Detail().Message,
		"task":      fp.Task(),
	}
	if ctx := fp.Context(); len(ctx) > 0 {
		p["context"] = ctx
	}
	return p
}

func datasetFor(fp fingerprint.Fingerprint, res *registry.DiscoveryResult) cognitive.Dataset {
	input, err := fp.JSON()
	if err != nil {
		input = []byte(fp.Detail().Message)
	}
	return cognitive.Dataset{
		ID:          "dataset-" + uuid.NewString(),
		ClusterID:   res.ClusterID,
		ErrorNodeID: res.ErrorNodeID,
		ErrorType:   fp.Detail().Type,
		Samples:     []cognitive.Sample{{Input: string(input)}},
	}
}

func priorityFor(sev fingerprint.Severity) int {
	switch sev {
	case fingerprint.SeverityCritical:
		return 10
	case fingerprint.SeverityHigh:
		return 8
	case fingerprint.SeverityLow:
		return 2
	default:
		return 5
	}
}
