package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/similar"
	"github.com/nidhogg/knirv-skillnet/internal/telemetry"
	"github.com/nidhogg/knirv-skillnet/internal/training"
	"github.com/nidhogg/knirv-skillnet/internal/weightsync"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Agent     AgentConfig     `json:"agent"`
	Registry  RegistryConfig  `json:"registry"`
	Router    RouterConfig    `json:"router"`
	Core      CoreConfig      `json:"core"`
	Wallet    WalletConfig    `json:"wallet"`
	Queue     QueueConfig     `json:"queue"`
	Sync      SyncConfig      `json:"sync"`
	Database  DatabaseConfig  `json:"database"`
	Similar   SimilarConfig   `json:"similar"`
	Notify    NotifyConfig    `json:"notify"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	MigrationsDir string `json:"migrations_dir"`
	SkillsDir     string `json:"skills_dir"`
}

// AgentConfig is the identity stamped on every fingerprint.
type AgentConfig struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	BaseModelID string `json:"base_model_id"`
}

type RegistryConfig struct {
	Endpoint            string   `json:"endpoint"`
	Timeout             Duration `json:"timeout"`
	BountyBase          float64  `json:"bounty_base"`
	MaxResults          int      `json:"max_results"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
}

type RouterConfig struct {
	Endpoint       string   `json:"endpoint"`
	Timeout        Duration `json:"timeout"`
	EngineVersion  string   `json:"engine_version"`
	MaxOutputBytes int64    `json:"max_output_bytes"`
}

// CoreConfig points at the reasoning core used for training and sync.
type CoreConfig struct {
	Endpoint string   `json:"endpoint"`
	Timeout  Duration `json:"timeout"`
	LoRARank int      `json:"lora_rank"`
}

// WalletConfig is the default spend token source.
type WalletConfig struct {
	Token  string  `json:"token"`
	Amount float64 `json:"amount"`
	Denom  string  `json:"denom"`
}

type QueueConfig struct {
	MaxConcurrent      int      `json:"max_concurrent"`
	MaxQueueSize       int      `json:"max_queue_size"`
	DefaultPriority    int      `json:"default_priority"`
	MaxRetries         *int     `json:"max_retries"`
	ProcessingTimeout  Duration `json:"processing_timeout"`
	RetryDelay         Duration `json:"retry_delay"`
	BatchSize          int      `json:"batch_size"`
	ProcessingInterval Duration `json:"processing_interval"`
	BackoffMultiplier  float64  `json:"backoff_multiplier"`
}

type SyncConfig struct {
	Enabled             bool     `json:"enabled"`
	SyncFrequency       Duration `json:"sync_frequency"`
	AdaptationThreshold float64  `json:"adaptation_threshold"`
	MaxWeightChange     float64  `json:"max_weight_change"`
	Bidirectional       *bool    `json:"bidirectional"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL       string   `json:"url"`
	DedupeTTL Duration `json:"dedupe_ttl"`
	Stream    string   `json:"stream"`
}

// SimilarConfig enables the Qdrant index of solved errors.
type SimilarConfig struct {
	Enabled    bool           `json:"enabled"`
	Host       string         `json:"host"`
	Port       int            `json:"port"`
	Collection string         `json:"collection"`
	MinScore   float32        `json:"min_score"`
	Embedding  EmbedderConfig `json:"embedding"`
}

type EmbedderConfig struct {
	Provider  string   `json:"provider"`
	Endpoint  string   `json:"endpoint"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	Dimension int      `json:"dimension"`
	Timeout   Duration `json:"timeout"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type TelemetryConfig struct {
	ServiceName string `json:"service_name"`
	// Exporter is "stdout", "otlp" or "none".
	Exporter     string `json:"exporter"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure"`
}

// Duration accepts either a Go duration string ("30s") or integer
// nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Server.SkillsDir == "" {
		c.Server.SkillsDir = "skills"
	}
	if c.Agent.ID == "" {
		c.Agent.ID = "knirv-agent"
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = Duration(30 * time.Second)
	}
	if c.Registry.BountyBase == 0 {
		c.Registry.BountyBase = 10
	}
	if c.Registry.MaxResults == 0 {
		c.Registry.MaxResults = 5
	}
	if c.Registry.SimilarityThreshold == 0 {
		c.Registry.SimilarityThreshold = 0.7
	}
	if c.Router.Timeout == 0 {
		c.Router.Timeout = Duration(60 * time.Second)
	}
	if c.Router.EngineVersion == "" {
		c.Router.EngineVersion = "1.0"
	}
	if c.Router.MaxOutputBytes == 0 {
		c.Router.MaxOutputBytes = router.DefaultMaxOutputBytes
	}
	if c.Core.Timeout == 0 {
		c.Core.Timeout = Duration(5 * time.Minute)
	}
	if c.Core.LoRARank == 0 {
		c.Core.LoRARank = 8
	}
	if c.Wallet.Denom == "" {
		c.Wallet.Denom = "NRN"
	}

	q := training.DefaultConfig()
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = q.MaxConcurrent
	}
	if c.Queue.MaxQueueSize == 0 {
		c.Queue.MaxQueueSize = q.MaxQueueSize
	}
	if c.Queue.DefaultPriority == 0 {
		c.Queue.DefaultPriority = q.DefaultPriority
	}
	if c.Queue.MaxRetries == nil {
		n := q.MaxRetries
		c.Queue.MaxRetries = &n
	}
	if c.Queue.ProcessingTimeout == 0 {
		c.Queue.ProcessingTimeout = Duration(q.ProcessingTimeout)
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = Duration(q.RetryDelay)
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = q.BatchSize
	}
	if c.Queue.ProcessingInterval == 0 {
		c.Queue.ProcessingInterval = Duration(q.ProcessingInterval)
	}
	if c.Queue.BackoffMultiplier == 0 {
		c.Queue.BackoffMultiplier = q.BackoffMultiplier
	}

	s := weightsync.DefaultConfig()
	if c.Sync.SyncFrequency == 0 {
		c.Sync.SyncFrequency = Duration(s.SyncFrequency)
	}
	if c.Sync.AdaptationThreshold == 0 {
		c.Sync.AdaptationThreshold = s.AdaptationThreshold
	}
	if c.Sync.MaxWeightChange == 0 {
		c.Sync.MaxWeightChange = s.MaxWeightChange
	}
	if c.Sync.Bidirectional == nil {
		b := s.Bidirectional
		c.Sync.Bidirectional = &b
	}

	if c.Database.Redis.DedupeTTL == 0 {
		c.Database.Redis.DedupeTTL = Duration(time.Hour)
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "knirv:jobs"
	}
	if c.Similar.Host == "" {
		c.Similar.Host = "localhost"
	}
	if c.Similar.Port == 0 {
		c.Similar.Port = 6334
	}
	if c.Similar.Collection == "" {
		c.Similar.Collection = "knirv_errors"
	}
	if c.Similar.MinScore == 0 {
		c.Similar.MinScore = 0.92
	}
	if c.Similar.Embedding.Provider == "" {
		c.Similar.Embedding.Provider = "hash"
	}
	if c.Similar.Embedding.Provider == "hash" && c.Similar.Embedding.Dimension == 0 {
		c.Similar.Embedding.Dimension = 256
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "knirv-skillnet"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
}

// Validate checks the options that have no sensible default.
func (c *Config) Validate() error {
	if c.Registry.Endpoint == "" {
		return fmt.Errorf("registry.endpoint is required")
	}
	if c.Router.Endpoint == "" {
		return fmt.Errorf("router.endpoint is required")
	}
	if c.Registry.SimilarityThreshold < 0 || c.Registry.SimilarityThreshold > 1 {
		return fmt.Errorf("registry.similarity_threshold must be in [0,1]")
	}
	if c.Sync.MaxWeightChange < 0 {
		return fmt.Errorf("sync.max_weight_change must be positive")
	}
	if c.Similar.MinScore < 0 || c.Similar.MinScore > 1 {
		return fmt.Errorf("similar.min_score must be in [0,1]")
	}
	switch c.Similar.Embedding.Provider {
	case "hash":
	case "api", "ollama":
		if c.Similar.Enabled && c.Similar.Embedding.Endpoint == "" {
			return fmt.Errorf("similar.embedding.endpoint is required for the %s provider", c.Similar.Embedding.Provider)
		}
	default:
		return fmt.Errorf("similar.embedding.provider %q: want hash, api or ollama", c.Similar.Embedding.Provider)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter %q: want none, stdout or otlp", c.Telemetry.Exporter)
	}
	return nil
}

// AgentInfo is the fingerprint identity.
func (c *Config) AgentInfo() fingerprint.AgentInfo {
	return fingerprint.AgentInfo{ID: c.Agent.ID, Version: c.Agent.Version, BaseModelID: c.Agent.BaseModelID}
}

func (c *Config) RegistryClient() registry.Config {
	return registry.Config{Endpoint: c.Registry.Endpoint, Timeout: c.Registry.Timeout.Std(), BountyBase: c.Registry.BountyBase}
}

func (c *Config) RouterClient() router.Config {
	return router.Config{
		Endpoint:       c.Router.Endpoint,
		Timeout:        c.Router.Timeout.Std(),
		EngineVersion:  c.Router.EngineVersion,
		MaxOutputBytes: c.Router.MaxOutputBytes,
	}
}

func (c *Config) RemoteCore() cognitive.RemoteConfig {
	return cognitive.RemoteConfig{Endpoint: c.Core.Endpoint, Timeout: c.Core.Timeout.Std()}
}

// SpendToken is the default token handed to every invocation.
func (c *Config) SpendToken() router.SpendToken {
	return router.SpendToken{Token: c.Wallet.Token, Amount: c.Wallet.Amount, Denom: c.Wallet.Denom}
}

func (c *Config) TrainingQueue() training.Config {
	retries := 0
	if c.Queue.MaxRetries != nil {
		retries = *c.Queue.MaxRetries
	}
	return training.Config{
		MaxConcurrent:      c.Queue.MaxConcurrent,
		MaxQueueSize:       c.Queue.MaxQueueSize,
		DefaultPriority:    c.Queue.DefaultPriority,
		MaxRetries:         retries,
		ProcessingTimeout:  c.Queue.ProcessingTimeout.Std(),
		RetryDelay:         c.Queue.RetryDelay.Std(),
		BatchSize:          c.Queue.BatchSize,
		ProcessingInterval: c.Queue.ProcessingInterval.Std(),
		BackoffMultiplier:  c.Queue.BackoffMultiplier,
	}
}

func (c *Config) WeightSync() weightsync.Config {
	bidi := true
	if c.Sync.Bidirectional != nil {
		bidi = *c.Sync.Bidirectional
	}
	return weightsync.Config{
		SyncFrequency:       c.Sync.SyncFrequency.Std(),
		AdaptationThreshold: c.Sync.AdaptationThreshold,
		MaxWeightChange:     c.Sync.MaxWeightChange,
		Bidirectional:       bidi,
	}
}

func (c *Config) SimilarIndex() similar.Config {
	return similar.Config{
		Host:       c.Similar.Host,
		Port:       c.Similar.Port,
		Collection: c.Similar.Collection,
		MinScore:   c.Similar.MinScore,
	}
}

func (c *Config) SimilarEmbedder() similar.EmbedConfig {
	e := c.Similar.Embedding
	return similar.EmbedConfig{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Timeout:   e.Timeout.Std(),
	}
}

func (c *Config) TelemetryExporter() telemetry.Config {
	return telemetry.Config{
		Exporter:     c.Telemetry.Exporter,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		OTLPInsecure: c.Telemetry.OTLPInsecure,
	}
}
