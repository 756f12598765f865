package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/similar"
	"github.com/nidhogg/knirv-skillnet/internal/skillgraph"
	"github.com/nidhogg/knirv-skillnet/internal/store"
)

// OutcomeKind tracks how an error was handled.
type OutcomeKind string

const (
	// OutcomeInvoked: a skill was found and invoked successfully.
	OutcomeInvoked OutcomeKind = "invoked"
	// OutcomeTraining: no skill yet, an adapter was queued for training.
	OutcomeTraining OutcomeKind = "training"
	// OutcomeInFlight: the same fingerprint is already being handled.
	OutcomeInFlight OutcomeKind = "in_flight"
	// OutcomeUnresolved: training finished without producing a skill.
	OutcomeUnresolved OutcomeKind = "unresolved"
	OutcomeFailed     OutcomeKind = "failed"
)

// Outcome is the typed result of handling one error, returned by
// HandleError and published to subscribers.
type Outcome struct {
	ID          string                   `json:"id"`
	Kind        OutcomeKind              `json:"kind"`
	Digest      string                   `json:"digest"`
	ErrorType   string                   `json:"errorType,omitempty"`
	SkillURI    string                   `json:"skillURI,omitempty"`
	SkillSource string                   `json:"skillSource,omitempty"`
	Cached      bool                     `json:"cached,omitempty"` // resolved without asking the registry
	ClusterID   string                   `json:"clusterId,omitempty"`
	ErrorNodeID string                   `json:"errorNodeId,omitempty"`
	QueueID     string                   `json:"queueId,omitempty"`
	Invocation  *router.InvocationResult `json:"invocation,omitempty"`
	Settled     bool                     `json:"settled"`
	Error       string                   `json:"error,omitempty"`
	At          time.Time                `json:"at"`
}

// Discoverer resolves a fingerprint against the skill registry.
type Discoverer interface {
	Discover(ctx context.Context, fp fingerprint.Fingerprint, maxResults int, threshold float64) (*registry.DiscoveryResult, error)
}

// Invoker runs a skill on the execution router.
type Invoker interface {
	Invoke(ctx context.Context, skillURI string, token router.SpendToken, params map[string]any) (*router.InvocationResult, error)
}

// Settlement describes one paid invocation.
type Settlement struct {
	SkillURI     string            `json:"skillURI"`
	InvocationID string            `json:"invocationId"`
	Digest       string            `json:"digest"`
	Token        router.SpendToken `json:"token"`
}

// Settler pays for a successful invocation. Called at most once per
// successful invoke.
type Settler interface {
	Settle(ctx context.Context, s Settlement) error
}

// LogSettler records settlements in the log only.
type LogSettler struct {
	Logger *zap.Logger
}

func (l LogSettler) Settle(_ context.Context, s Settlement) error {
	l.Logger.Info("settlement recorded",
		zap.String("skill_uri", s.SkillURI),
		zap.String("invocation_id", s.InvocationID),
		zap.Float64("amount", s.Token.Amount),
		zap.String("denom", s.Token.Denom))
	return nil
}

// AdapterFactory builds a fresh adapter to train for fp.
type AdapterFactory func(id string, fp fingerprint.Fingerprint) (cognitive.Adapter, error)

// LoRAFactory returns an AdapterFactory producing LoRA adapters of the given
// rank, seeded from the fingerprint digest.
func LoRAFactory(rank int) AdapterFactory {
	return func(id string, fp fingerprint.Fingerprint) (cognitive.Adapter, error) {
		var seed uint64
		for _, b := range []byte(fp.Digest()) {
			seed = seed*31 + uint64(b)
		}
		return cognitive.NewLoRAAdapter(id, cognitive.LoRAConfig{Rank: rank, Seed: seed}), nil
	}
}

// SkillGraph is the persistent error → cluster → skill index.
type SkillGraph interface {
	RecordError(ctx context.Context, fp fingerprint.Fingerprint) error
	LinkCluster(ctx context.Context, digest, clusterID, errorNodeID string) error
	RecordSkill(ctx context.Context, digest string, ref skillgraph.SkillRef) error
	LookupSkill(ctx context.Context, digest string) (*skillgraph.SkillRef, bool, error)
	RecordInvocation(ctx context.Context, uri string, success bool) error
	ClusterSkills(ctx context.Context, clusterID string) ([]skillgraph.SkillRef, error)
}

// SimilarIndex finds skills already bound to errors that read like a new one.
type SimilarIndex interface {
	Nearest(ctx context.Context, k similar.Key) (*similar.Match, bool, error)
	Remember(ctx context.Context, k similar.Key, m similar.Match) error
}

// History persists jobs and invocations.
type History interface {
	SaveJob(ctx context.Context, r store.JobRecord) error
	SaveInvocation(ctx context.Context, digest, skillURI string, res *router.InvocationResult) error
}
