// Package similar keeps a vector index of errors that already have a skill,
// so a new error that reads like a solved one can reuse its skill without a
// registry round trip.
package similar

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Collection string  `json:"collection"`
	MinScore   float32 `json:"min_score"`
}

// Key is the part of a fingerprint the index compares.
type Key struct {
	Digest    string
	ErrorType string
	Text      string
}

// KeyOf extracts the comparable text of fp.
func KeyOf(fp fingerprint.Fingerprint) Key {
	d := fp.Detail()
	return Key{Digest: fp.Digest(), ErrorType: d.Type, Text: d.Type + ": " + d.Message}
}

// Match is a skill bound to a previously seen error.
type Match struct {
	Digest      string  `json:"digest"`
	SkillURI    string  `json:"skillURI"`
	SkillNodeID string  `json:"skillNodeId,omitempty"`
	ClusterID   string  `json:"clusterId,omitempty"`
	Confidence  float64 `json:"confidence"`
	Score       float32 `json:"score"`
}

// pointNamespace derives stable point ids from digests.
var pointNamespace = uuid.MustParse("6f1c9a54-3b0e-5d7a-9c1e-2a4f8b6d0e13")

// Index wraps gRPC connections to Qdrant's collections and points services.
type Index struct {
	cfg      Config
	embedder Embedder
	logger   *zap.Logger

	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewIndex dials the Qdrant gRPC endpoint. The connection is lazy; call
// EnsureCollection to verify it.
func NewIndex(cfg Config, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("similar: embedder is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "knirv_errors"
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.92
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Index{
		cfg:         cfg,
		embedder:    embedder,
		logger:      logger,
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the collection if it does not already exist.
func (x *Index) EnsureCollection(ctx context.Context) error {
	if _, err := x.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: x.cfg.Collection}); err == nil {
		return nil
	}
	dim := x.embedder.Dimension()
	if dim <= 0 {
		probe, err := x.embedder.Embed(ctx, []string{"probe"})
		if err != nil {
			return fmt.Errorf("probe embedding dimension: %w", err)
		}
		dim = len(probe[0])
	}
	_, err := x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", x.cfg.Collection, err)
	}
	x.logger.Info("similar-error collection created",
		zap.String("collection", x.cfg.Collection), zap.Int("dimension", dim))
	return nil
}

// Remember stores the skill bound to k. Remembering the same digest twice
// overwrites the point.
func (x *Index) Remember(ctx context.Context, k Key, m Match) error {
	vec, err := x.embed(ctx, k.Text)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"digest":        k.Digest,
		"error_type":    k.ErrorType,
		"skill_uri":     m.SkillURI,
		"skill_node_id": m.SkillNodeID,
		"cluster_id":    m.ClusterID,
		"confidence":    strconv.FormatFloat(m.Confidence, 'f', -1, 64),
	}
	payloadMap := make(map[string]*pb.Value, len(payload))
	for name, v := range payload {
		payloadMap[name] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	id := uuid.NewSHA1(pointNamespace, []byte(k.Digest)).String()
	wait := true
	_, err = x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.cfg.Collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
				Payload: payloadMap,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", x.cfg.Collection, err)
	}
	return nil
}

// Nearest returns the closest remembered error of the same type scoring at
// least the configured minimum.
func (x *Index) Nearest(ctx context.Context, k Key) (*Match, bool, error) {
	vec, err := x.embed(ctx, k.Text)
	if err != nil {
		return nil, false, err
	}
	minScore := x.cfg.MinScore
	resp, err := x.points.Search(ctx, &pb.SearchPoints{
		CollectionName: x.cfg.Collection,
		Vector:         vec,
		Limit:          1,
		ScoreThreshold: &minScore,
		Filter: &pb.Filter{Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   "error_type",
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: k.ErrorType}},
			}},
		}}},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, false, fmt.Errorf("search %s: %w", x.cfg.Collection, err)
	}
	if len(resp.Result) == 0 {
		return nil, false, nil
	}

	hit := resp.Result[0]
	payload := make(map[string]string, len(hit.Payload))
	for name, v := range hit.Payload {
		if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
			payload[name] = sv.StringValue
		}
	}
	if payload["skill_uri"] == "" {
		return nil, false, nil
	}
	conf, _ := strconv.ParseFloat(payload["confidence"], 64)
	return &Match{
		Digest:      payload["digest"],
		SkillURI:    payload["skill_uri"],
		SkillNodeID: payload["skill_node_id"],
		ClusterID:   payload["cluster_id"],
		Confidence:  conf,
		Score:       hit.Score,
	}, true, nil
}

// Ping checks the collection is reachable.
func (x *Index) Ping(ctx context.Context) error {
	_, err := x.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: x.cfg.Collection})
	return err
}

// Close tears down the underlying gRPC connection.
func (x *Index) Close() error {
	return x.conn.Close()
}

func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, errors.New("embedding: empty vector")
	}
	return vecs[0], nil
}
