//go:build integration

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/dedupe"
	"github.com/nidhogg/knirv-skillnet/internal/events"
	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/orchestrator"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/skillgraph"
	pgstore "github.com/nidhogg/knirv-skillnet/internal/store"
	"github.com/nidhogg/knirv-skillnet/internal/training"
)

const trainedSkill = "knirv://skill/ledger-eof-v1"

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("knirv_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// fakeNetwork serves the registry, execution router and reasoning core wire
// contracts from one server. The registry never knows a skill; the core
// always trains one.
type fakeNetwork struct {
	queries     atomic.Int32
	submissions atomic.Int32
	trainings   atomic.Int32
	invocations atomic.Int32
}

func (n *fakeNetwork) handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/error-clusters/query", func(w http.ResponseWriter, r *http.Request) {
		n.queries.Add(1)
		writeBody(w, map[string]any{"status": "QUERY_NO_MATCH"})
	})
	r.Post("/api/error-clusters/submit", func(w http.ResponseWriter, r *http.Request) {
		n.submissions.Add(1)
		writeBody(w, map[string]any{"status": "SUBMISSION_SUCCESS", "errorNodeId": "error_node_e2e", "clusterId": "cluster_e2e"})
	})
	r.Post("/api/skills/discover", func(w http.ResponseWriter, r *http.Request) {
		n.trainings.Add(1)
		writeBody(w, registry.DiscoveryResult{SkillFound: true, SkillURI: trainedSkill, ClusterID: "cluster_e2e", Confidence: 0.91})
	})
	r.Post("/wasm/invoke", func(w http.ResponseWriter, r *http.Request) {
		n.invocations.Add(1)
		w.Header().Set(router.HeaderInvocationID, fmt.Sprintf("inv-%d", n.invocations.Load()))
		w.Header().Set(router.HeaderStatus, "completed")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("ledger repaired"))
	})
	return r
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestFullStackTrainsAndInvokes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	logger := zap.NewNop()

	neoURI, neoDone, err := startNeo4j(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer neoDone()
	dsn, pgDone, err := startPostgres(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer pgDone()
	redisURL, redisDone, err := startRedis(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer redisDone()

	net := &fakeNetwork{}
	srv := httptest.NewServer(net.handler())
	defer srv.Close()

	pg, err := pgstore.New(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	graph, err := skillgraph.NewStore(neoURI, "", "", logger)
	if err != nil {
		t.Fatalf("neo4j: %v", err)
	}
	defer graph.Close(ctx)
	if err := graph.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	inflight, err := dedupe.NewRedis(ctx, redisURL, time.Hour, logger)
	if err != nil {
		t.Fatalf("redis dedupe: %v", err)
	}
	defer inflight.Close()
	bus, err := events.NewBus(ctx, redisURL, "knirv:e2e", logger)
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	defer bus.Close()

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	stream := bus.Subscribe(subCtx)
	// The reader follows from "$"; give it time to block before publishing.
	time.Sleep(500 * time.Millisecond)

	core := cognitive.NewRemoteCore(cognitive.RemoteConfig{Endpoint: srv.URL, Timeout: 10 * time.Second}, logger)
	queue := training.NewQueue(training.Config{
		MaxConcurrent:      2,
		ProcessingInterval: 10 * time.Millisecond,
		ProcessingTimeout:  10 * time.Second,
	}, core, logger)
	queue.AddListener(events.NewQueueListener(bus, "agent-e2e", logger))

	engine, err := orchestrator.NewEngine(orchestrator.Config{
		Agent: fingerprint.AgentInfo{ID: "agent-e2e", Version: "1.0", BaseModelID: "hrm-small"},
	}, orchestrator.Deps{
		Registry: registry.NewClient(registry.Config{Endpoint: srv.URL, Timeout: 10 * time.Second, BountyBase: 10}, logger),
		Router:   router.NewClient(router.Config{Endpoint: srv.URL, Timeout: 10 * time.Second, EngineVersion: "1.0"}, logger),
		Queue:    queue,
		Core:     core,
		Graph:    graph,
		Dedupe:   inflight,
		Tokens:   router.StaticTokenSource{Token: router.SpendToken{Token: "tok-e2e", Amount: 2, Denom: "NRN"}},
		Adapters: orchestrator.LoRAFactory(4),
		History:  pg,
		Events:   bus,
	}, logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	outcomes := engine.Subscribe()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	ledgerErr := errors.New("unexpected EOF while reading ledger block")
	out, err := engine.HandleError(ctx, ledgerErr, "sync ledger", fingerprint.Extra{Severity: fingerprint.SeverityHigh})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Kind != orchestrator.OutcomeTraining || out.ErrorNodeID != "error_node_e2e" {
		t.Fatalf("first outcome = %+v", out)
	}

	var final orchestrator.Outcome
	deadline := time.After(30 * time.Second)
wait:
	for {
		select {
		case o := <-outcomes:
			if o.QueueID == out.QueueID && o.Kind != orchestrator.OutcomeTraining {
				final = o
				break wait
			}
		case <-deadline:
			t.Fatal("training outcome never arrived")
		}
	}
	if final.Kind != orchestrator.OutcomeInvoked || final.SkillURI != trainedSkill || !final.Settled {
		t.Fatalf("final outcome = %+v", final)
	}
	if string(final.Invocation.Output) != "ledger repaired" {
		t.Errorf("output = %q", final.Invocation.Output)
	}

	rec, err := pg.GetJob(ctx, out.QueueID)
	if err != nil || rec == nil {
		t.Fatalf("job history: %+v, %v", rec, err)
	}
	if rec.Status != string(training.StatusCompleted) || rec.SkillURI != trainedSkill {
		t.Errorf("job record = %+v", rec)
	}

	ref, ok, err := graph.LookupSkill(ctx, out.Digest)
	if err != nil || !ok || ref.URI != trainedSkill {
		t.Errorf("graph lookup = %+v, %t, %v", ref, ok, err)
	}

	if held, err := inflight.Held(ctx, out.Digest); err != nil || held {
		t.Errorf("digest still held: %t, %v", held, err)
	}

	seen := map[events.Kind]bool{}
	evDeadline := time.After(10 * time.Second)
	for !(seen[events.KindEnqueued] && seen[events.KindCompleted] && seen[events.KindInvoked]) {
		select {
		case ev := <-stream:
			seen[ev.Kind] = true
		case <-evDeadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}

	// The same failure now resolves from the catalog without the registry.
	again, err := engine.HandleError(ctx, ledgerErr, "sync ledger", fingerprint.Extra{})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if again.Kind != orchestrator.OutcomeInvoked || !again.Cached {
		t.Errorf("second outcome = %+v", again)
	}
	if q := net.queries.Load(); q != 1 {
		t.Errorf("registry queries = %d, want 1", q)
	}
	if n := net.trainings.Load(); n != 1 {
		t.Errorf("trainings = %d, want 1", n)
	}
}
