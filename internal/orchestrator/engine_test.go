package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/dedupe"
	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/similar"
	"github.com/nidhogg/knirv-skillnet/internal/training"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	mu     sync.Mutex
	calls  int
	result *registry.DiscoveryResult
	err    error
}

func (f *fakeRegistry) Discover(context.Context, fingerprint.Fingerprint, int, float64) (*registry.DiscoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeRegistry) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRouter struct {
	mu   sync.Mutex
	uris []string
	fail bool
}

func (f *fakeRouter) Invoke(_ context.Context, uri string, _ router.SpendToken, _ map[string]any) (*router.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, uri)
	if f.fail {
		return &router.InvocationResult{Success: false, ErrorMessage: "invocation failed"},
			&router.InvocationError{SkillURI: uri, StatusCode: 500}
	}
	return &router.InvocationResult{Success: true, InvocationID: "inv-1", Output: []byte("patched")}, nil
}

func (f *fakeRouter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uris...)
}

type fakeSettler struct {
	mu      sync.Mutex
	settled []Settlement
	err     error
}

func (f *fakeSettler) Settle(_ context.Context, s Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, s)
	return f.err
}

func (f *fakeSettler) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

// gatedTrainer blocks until release is closed, then returns result or err.
type gatedTrainer struct {
	release chan struct{}
	result  *registry.DiscoveryResult
	err     error
	calls   atomic.Int32
}

func (g *gatedTrainer) DiscoverSkill(ctx context.Context, _ cognitive.Adapter, _ cognitive.Dataset) (*registry.DiscoveryResult, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	r := *g.result
	return &r, nil
}

type harness struct {
	engine  *Engine
	reg     *fakeRegistry
	rt      *fakeRouter
	settler *fakeSettler
	trainer *gatedTrainer
	dedupe  *dedupe.Memory
}

func newHarness(t *testing.T, res *registry.DiscoveryResult) *harness {
	t.Helper()
	return newHarnessWith(t, res, nil)
}

func newHarnessWith(t *testing.T, res *registry.DiscoveryResult, sim SimilarIndex) *harness {
	t.Helper()
	h := &harness{
		reg:     &fakeRegistry{result: res},
		rt:      &fakeRouter{},
		settler: &fakeSettler{},
		trainer: &gatedTrainer{
			release: make(chan struct{}),
			result:  &registry.DiscoveryResult{SkillFound: true, SkillURI: "knirv://skill/trained-v1", ClusterID: "cluster-7", Confidence: 0.9},
		},
		dedupe: dedupe.NewMemory(time.Hour),
	}
	q := training.NewQueue(training.Config{
		MaxConcurrent:      1,
		ProcessingInterval: 5 * time.Millisecond,
		ProcessingTimeout:  5 * time.Second,
		RetryDelay:         0,
		MaxRetries:         0,
	}, h.trainer, zap.NewNop())

	e, err := NewEngine(Config{Agent: fingerprint.AgentInfo{ID: "agent-1", Version: "1.0"}}, Deps{
		Registry: h.reg,
		Router:   h.rt,
		Queue:    q,
		Dedupe:   h.dedupe,
		Tokens:   router.StaticTokenSource{Token: router.SpendToken{Token: "tok", Amount: 1, Denom: "NRN"}},
		Adapters: LoRAFactory(2),
		Settler:  h.settler,
		Similar:  sim,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine = e
	t.Cleanup(func() {
		select {
		case <-h.trainer.release:
		default:
			close(h.trainer.release)
		}
		e.Stop()
	})
	return h
}

var errTypeMismatch = errors.New("x.map is not a function")

func TestHandleErrorSkillFound(t *testing.T) {
	h := newHarness(t, &registry.DiscoveryResult{
		SkillFound: true, SkillURI: "knirv://skill/js-type-checker-v1", ClusterID: "cluster-1", Confidence: 0.85,
	})
	ctx := context.Background()

	out, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Kind != OutcomeInvoked || !out.Settled || out.SkillURI != "knirv://skill/js-type-checker-v1" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if string(out.Invocation.Output) != "patched" {
		t.Errorf("output = %q", out.Invocation.Output)
	}
	if h.settler.Count() != 1 {
		t.Errorf("settlements = %d, want 1", h.settler.Count())
	}
	if held, _ := h.dedupe.Held(ctx, out.Digest); held {
		t.Error("digest still marked in flight")
	}

	// Second occurrence resolves from the catalog.
	out2, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if out2.Kind != OutcomeInvoked || out2.SkillSource != "registry" || !out2.Cached {
		t.Errorf("second outcome = %+v", out2)
	}
	if h.reg.Calls() != 1 {
		t.Errorf("registry calls = %d, want 1", h.reg.Calls())
	}
	s := h.engine.Catalog().GetByURI("knirv://skill/js-type-checker-v1")
	if s == nil || s.Invocations != 2 || s.Successes != 2 {
		t.Errorf("catalog counters = %+v", s)
	}
	if got := h.engine.Recent(0); len(got) != 2 {
		t.Errorf("recent = %d, want 2", len(got))
	}
}

// awaitAsync skips the synchronous training and in-flight outcomes and
// returns the first one produced after the job finished.
func awaitAsync(t *testing.T, sub <-chan Outcome) Outcome {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-sub:
			if got.Kind == OutcomeTraining || got.Kind == OutcomeInFlight {
				continue
			}
			return got
		case <-timeout:
			t.Fatal("no outcome published")
		}
	}
}

func TestHandleErrorTrainsThenInvokes(t *testing.T) {
	h := newHarness(t, &registry.DiscoveryResult{ErrorNodeID: "error_node_001", ClusterID: "cluster-7"})
	sub := h.engine.Subscribe()
	ctx := context.Background()

	out, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{Severity: fingerprint.SeverityHigh})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Kind != OutcomeTraining || out.QueueID == "" || out.ErrorNodeID != "error_node_001" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	job, ok := h.engine.Queue().Status(out.QueueID)
	if !ok || job.Priority != 8 || job.Dataset.ErrorNodeID != "error_node_001" {
		t.Errorf("queued job = %+v", job)
	}

	// Same failure while training is pending is not resubmitted.
	again, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{})
	if err != nil || again.Kind != OutcomeInFlight {
		t.Fatalf("second handle = %+v, %v", again, err)
	}
	if h.reg.Calls() != 1 {
		t.Errorf("registry calls = %d, want 1", h.reg.Calls())
	}

	close(h.trainer.release)

	got := awaitAsync(t, sub)
	if got.Kind != OutcomeInvoked || got.SkillURI != "knirv://skill/trained-v1" || got.QueueID != out.QueueID {
		t.Errorf("async outcome = %+v", got)
	}
	if got.SkillSource != "trained" || !got.Settled {
		t.Errorf("async outcome = %+v", got)
	}

	if calls := h.rt.Calls(); len(calls) != 1 {
		t.Errorf("router calls = %v, want exactly one", calls)
	}
	if held, _ := h.dedupe.Held(ctx, out.Digest); held {
		t.Error("digest still marked in flight after training")
	}
	if s, ok := h.engine.Catalog().Lookup(out.Digest); !ok || s.URI != "knirv://skill/trained-v1" {
		t.Errorf("trained skill not bound: %+v", s)
	}
}

func TestTrainingFailurePublishesFailure(t *testing.T) {
	h := newHarness(t, &registry.DiscoveryResult{ErrorNodeID: "error_node_002", ClusterID: "cluster-8"})
	h.trainer.err = errors.New("core unavailable")
	sub := h.engine.Subscribe()
	ctx := context.Background()

	out, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	close(h.trainer.release)

	if got := awaitAsync(t, sub); got.Kind != OutcomeFailed || !strings.Contains(got.Error, "core unavailable") {
		t.Errorf("async outcome = %+v", got)
	}
	if held, _ := h.dedupe.Held(ctx, out.Digest); held {
		t.Error("digest still marked in flight after failure")
	}
	if len(h.rt.Calls()) != 0 {
		t.Error("router must not be called for a failed job")
	}
}

func TestHandleErrorInvokeFailure(t *testing.T) {
	h := newHarness(t, &registry.DiscoveryResult{SkillFound: true, SkillURI: "knirv://skill/broken", Confidence: 0.9})
	h.rt.fail = true

	out, err := h.engine.HandleError(context.Background(), errTypeMismatch, "render", fingerprint.Extra{})
	var ie *router.InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InvocationError", err)
	}
	if out.Kind != OutcomeFailed || out.Invocation == nil || out.Invocation.Success {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if h.settler.Count() != 0 {
		t.Error("failed invocation must not be settled")
	}
	if len(h.rt.Calls()) != 1 {
		t.Errorf("router calls = %d, want 1", len(h.rt.Calls()))
	}
}

func TestHandleErrorDiscoverFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.err = &registry.DiscoveryError{Op: "query", StatusCode: 503}
	ctx := context.Background()

	out, err := h.engine.HandleError(ctx, errTypeMismatch, "render", fingerprint.Extra{})
	var de *registry.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
	if out.Kind != OutcomeFailed {
		t.Errorf("kind = %s", out.Kind)
	}
	if held, _ := h.dedupe.Held(ctx, out.Digest); held {
		t.Error("digest must be released after a discovery failure")
	}
}

func TestSettlementFailureKeepsInvocation(t *testing.T) {
	h := newHarness(t, &registry.DiscoveryResult{SkillFound: true, SkillURI: "knirv://skill/ok", Confidence: 0.9})
	h.settler.err = errors.New("wallet offline")

	out, err := h.engine.HandleError(context.Background(), errTypeMismatch, "render", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Kind != OutcomeInvoked || out.Settled || !strings.Contains(out.Error, "wallet offline") {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(Config{}, Deps{}, zap.NewNop()); err == nil {
		t.Error("expected error for missing collaborators")
	}
}

// fakeSimilar matches any remembered error of the same type.
type fakeSimilar struct {
	mu      sync.Mutex
	byType  map[string]similar.Match
	lookups int
}

func (f *fakeSimilar) Nearest(_ context.Context, k similar.Key) (*similar.Match, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	m, ok := f.byType[k.ErrorType]
	if !ok {
		return nil, false, nil
	}
	m.Score = 0.97
	return &m, true, nil
}

func (f *fakeSimilar) Remember(_ context.Context, k similar.Key, m similar.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Digest = k.Digest
	f.byType[k.ErrorType] = m
	return nil
}

func TestSimilarErrorReusesSkill(t *testing.T) {
	sim := &fakeSimilar{byType: map[string]similar.Match{}}
	h := newHarnessWith(t, &registry.DiscoveryResult{
		SkillFound: true, SkillURI: "knirv://skill/ledger-eof-v1", ClusterID: "cluster-2", Confidence: 0.8,
	}, sim)
	ctx := context.Background()

	first, err := h.engine.HandleError(ctx, errors.New("unexpected EOF in block 42"), "sync", fingerprint.Extra{})
	if err != nil || first.Kind != OutcomeInvoked {
		t.Fatalf("first = %+v, %v", first, err)
	}

	// A different message of the same type is a new digest but a similar error.
	second, err := h.engine.HandleError(ctx, errors.New("unexpected EOF in block 97"), "sync", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Digest == first.Digest {
		t.Fatal("expected distinct digests")
	}
	if second.Kind != OutcomeInvoked || !second.Cached || second.SkillURI != "knirv://skill/ledger-eof-v1" {
		t.Errorf("second = %+v", second)
	}
	if second.SkillSource != "registry" {
		t.Errorf("source = %q, want the known skill's source", second.SkillSource)
	}
	if h.reg.Calls() != 1 {
		t.Errorf("registry calls = %d, want 1", h.reg.Calls())
	}
	s, ok := h.engine.Catalog().Lookup(second.Digest)
	if !ok || s.URI != "knirv://skill/ledger-eof-v1" {
		t.Errorf("new digest not bound in catalog: %+v", s)
	}
}
