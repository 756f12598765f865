package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/api"
	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/config"
	"github.com/nidhogg/knirv-skillnet/internal/dedupe"
	"github.com/nidhogg/knirv-skillnet/internal/events"
	"github.com/nidhogg/knirv-skillnet/internal/notify"
	"github.com/nidhogg/knirv-skillnet/internal/orchestrator"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/similar"
	"github.com/nidhogg/knirv-skillnet/internal/skill"
	"github.com/nidhogg/knirv-skillnet/internal/skillgraph"
	pgstore "github.com/nidhogg/knirv-skillnet/internal/store"
	"github.com/nidhogg/knirv-skillnet/internal/telemetry"
	"github.com/nidhogg/knirv-skillnet/internal/training"
	"github.com/nidhogg/knirv-skillnet/internal/weightsync"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	boot, _ := zap.NewDevelopment()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/knirv.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel, boot)
	defer logger.Sync()
	logger.Info("Starting KNIRV skill network agent...",
		zap.String("config", cfgPath), zap.String("agent", cfg.Agent.ID), zap.String("version", version))

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, version, cfg.TelemetryExporter())
	if err != nil {
		logger.Fatal("failed to init telemetry", zap.Error(err))
	}

	// Initialize PostgreSQL job history
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without job history", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Server.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize Neo4j skill graph
	var graph *skillgraph.Store
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := skillgraph.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without skill graph", zap.Error(gErr))
		} else if sErr := g.EnsureSchema(ctx); sErr != nil {
			logger.Warn("skill graph schema failed, running without skill graph", zap.Error(sErr))
			_ = g.Close(ctx)
		} else {
			graph = g
		}
	}

	// Initialize Redis dedupe and event stream
	var (
		inflight *dedupe.Redis
		bus      *events.Bus
	)
	if cfg.Database.Redis.URL != "" {
		d, dErr := dedupe.NewRedis(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.DedupeTTL.Std(), logger)
		if dErr != nil {
			logger.Warn("Redis unavailable, deduplicating in memory", zap.Error(dErr))
		} else {
			inflight = d
		}
		b, bErr := events.NewBus(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if bErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(bErr))
		} else {
			bus = b
		}
	}

	// Initialize Qdrant similar-error index
	var index *similar.Index
	if cfg.Similar.Enabled {
		index = openSimilarIndex(ctx, cfg, logger)
	}

	// Initialize notifiers
	broadcaster := notify.NewBroadcaster(cfg.Agent.ID, logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		broadcaster.Register(notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		broadcaster.Register(notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger))
	}
	if err := broadcaster.ConnectAll(ctx); err != nil {
		logger.Warn("some notifiers failed to connect", zap.Error(err))
	}

	// Remote services
	if cfg.Core.Endpoint == "" {
		logger.Fatal("core.endpoint is required to train adapters")
	}
	core := cognitive.NewRemoteCore(cfg.RemoteCore(), logger)
	queue := training.NewQueue(cfg.TrainingQueue(), core, logger)
	queue.AddListener(broadcaster)
	if bus != nil {
		queue.AddListener(events.NewQueueListener(bus, cfg.Agent.ID, logger))
	}

	var bridge *weightsync.Bridge
	if cfg.Sync.Enabled {
		bridge = weightsync.NewBridge(cfg.WeightSync(), logger)
	}

	catalog := skill.NewManager()
	seeded, err := skill.LoadSeeds(cfg.Server.SkillsDir)
	if err != nil {
		logger.Warn("failed to load seed skills", zap.String("dir", cfg.Server.SkillsDir), zap.Error(err))
	}
	for _, s := range seeded {
		catalog.Add(s)
		catalog.AssignSkill(cfg.Agent.ID, s.ID)
	}
	if len(seeded) > 0 {
		logger.Info("Loaded skills", zap.Int("count", len(seeded)))
	}

	deps := orchestrator.Deps{
		Registry: registry.NewClient(cfg.RegistryClient(), logger),
		Router:   router.NewClient(cfg.RouterClient(), logger),
		Queue:    queue,
		Bridge:   bridge,
		Core:     core,
		Catalog:  catalog,
		Tokens:   router.StaticTokenSource{Token: cfg.SpendToken()},
		Adapters: orchestrator.LoRAFactory(cfg.Core.LoRARank),
		Settler:  orchestrator.LogSettler{Logger: logger},
	}
	if graph != nil {
		deps.Graph = graph
	}
	if index != nil {
		deps.Similar = index
	}
	if inflight != nil {
		deps.Dedupe = inflight
	} else {
		deps.Dedupe = dedupe.NewMemory(cfg.Database.Redis.DedupeTTL.Std())
	}
	if pgStore != nil {
		deps.History = pgStore
	}
	if bus != nil {
		deps.Events = bus
	}

	engine, err := orchestrator.NewEngine(orchestrator.Config{
		Agent:      cfg.AgentInfo(),
		MaxResults: cfg.Registry.MaxResults,
		Threshold:  cfg.Registry.SimilarityThreshold,
	}, deps, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		broadcaster.Relay(engine.Subscribe())
	}()
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	logger.Info("Orchestrator started")

	// Build HTTP handler
	var history api.JobHistory
	if pgStore != nil {
		history = pgStore
	}
	handler := api.NewHandler(engine, history, broadcaster, logger)
	if pgStore != nil {
		handler.AddCheck("postgres", pgStore.Ping)
	}
	if graph != nil {
		handler.AddCheck("neo4j", graph.Ping)
	}
	if inflight != nil {
		handler.AddCheck("redis", inflight.Ping)
	}
	if index != nil {
		handler.AddCheck("qdrant", index.Ping)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("KNIRV agent listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down KNIRV agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	engine.Stop()
	<-relayDone
	broadcaster.Close()
	if bus != nil {
		bus.Close()
	}
	if inflight != nil {
		inflight.Close()
	}
	if index != nil {
		index.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
}

// openSimilarIndex returns nil when the index cannot be reached.
func openSimilarIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) *similar.Index {
	emb, err := similar.NewEmbedder(cfg.SimilarEmbedder())
	if err != nil {
		logger.Warn("embedder unavailable, running without similar-error index", zap.Error(err))
		return nil
	}
	idx, err := similar.NewIndex(cfg.SimilarIndex(), emb, logger)
	if err != nil {
		logger.Warn("Qdrant unavailable, running without similar-error index", zap.Error(err))
		return nil
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := idx.EnsureCollection(ensureCtx); err != nil {
		logger.Warn("Qdrant unavailable, running without similar-error index", zap.Error(err))
		idx.Close()
		return nil
	}
	return idx
}

// newLogger builds the development logger at the configured level, falling
// back to boot when the level does not parse.
func newLogger(level string, boot *zap.Logger) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		boot.Warn("invalid log level, using debug", zap.String("level", level))
		return boot
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	logger, err := zc.Build()
	if err != nil {
		return boot
	}
	return logger
}
