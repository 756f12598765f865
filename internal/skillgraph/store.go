// Package skillgraph keeps the local error → cluster → skill graph in Neo4j.
package skillgraph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
)

// SkillRef is a skill resolved for a fingerprint digest.
type SkillRef struct {
	URI         string  `json:"uri"`
	SkillNodeID string  `json:"skill_node_id,omitempty"`
	ClusterID   string  `json:"cluster_id,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Store handles Neo4j operations for the skill graph.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j skill graph store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

var constraints = []string{
	`CREATE CONSTRAINT error_digest IF NOT EXISTS FOR (e:ErrorFingerprint) REQUIRE e.digest IS UNIQUE`,
	`CREATE CONSTRAINT cluster_id IF NOT EXISTS FOR (c:Cluster) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT skill_uri IF NOT EXISTS FOR (s:Skill) REQUIRE s.uri IS UNIQUE`,
}

// EnsureSchema creates uniqueness constraints.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, c := range constraints {
		if _, err := session.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.logger.Info("skill graph schema ready")
	return nil
}

// RecordError upserts the fingerprint node and bumps its occurrence count.
func (s *Store) RecordError(ctx context.Context, fp fingerprint.Fingerprint) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (e:ErrorFingerprint {digest: $digest})
		 ON CREATE SET e.error_type = $type, e.message = $message,
		               e.agent_id = $agentId, e.task = $task,
		               e.severity = $severity, e.occurrences = 0,
		               e.first_seen = datetime()
		 SET e.occurrences = e.occurrences + 1, e.last_seen = datetime()`,
		map[string]interface{}{
			"digest":   fp.Digest(),
			"type":     fp.Detail().Type,
			"message":  fp.Detail().Message,
			"agentId":  fp.Agent().ID,
			"task":     fp.Task(),
			"severity": string(fp.Severity()),
		})
	return err
}

// LinkCluster records that the registry placed digest in clusterID.
func (s *Store) LinkCluster(ctx context.Context, digest, clusterID, errorNodeID string) error {
	if clusterID == "" {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (e:ErrorFingerprint {digest: $digest})
		 MERGE (c:Cluster {id: $clusterId})
		 MERGE (e)-[r:MEMBER_OF]->(c)
		 SET r.error_node_id = $errorNodeId, r.linked_at = datetime()`,
		map[string]interface{}{
			"digest":      digest,
			"clusterId":   clusterID,
			"errorNodeId": errorNodeID,
		})
	return err
}

// RecordSkill binds digest to a skill, and the skill to its cluster.
func (s *Store) RecordSkill(ctx context.Context, digest string, ref SkillRef) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (e:ErrorFingerprint {digest: $digest})
		 MERGE (s:Skill {uri: $uri})
		 ON CREATE SET s.invocations = 0, s.successes = 0, s.created_at = datetime()
		 SET s.skill_node_id = $skillNodeId, s.cluster_id = $clusterId
		 MERGE (e)-[r:RESOLVED_BY]->(s)
		 SET r.confidence = $confidence, r.resolved_at = datetime()
		 WITH s
		 OPTIONAL MATCH (c:Cluster {id: $clusterId})
		 FOREACH (_ IN CASE WHEN c IS NULL THEN [] ELSE [1] END |
		   MERGE (s)-[:RESOLVES]->(c))`,
		map[string]interface{}{
			"digest":      digest,
			"uri":         ref.URI,
			"skillNodeId": ref.SkillNodeID,
			"clusterId":   ref.ClusterID,
			"confidence":  ref.Confidence,
		})
	return err
}

// LookupSkill returns the most confident skill bound to digest.
func (s *Store) LookupSkill(ctx context.Context, digest string) (*SkillRef, bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:ErrorFingerprint {digest: $digest})-[r:RESOLVED_BY]->(s:Skill)
		 RETURN s.uri, s.skill_node_id, s.cluster_id, r.confidence
		 ORDER BY r.confidence DESC LIMIT 1`,
		map[string]interface{}{"digest": digest})
	if err != nil {
		return nil, false, err
	}
	if !result.Next(ctx) {
		return nil, false, result.Err()
	}
	rec := result.Record()
	uri, _ := rec.Get("s.uri")
	nodeID, _ := rec.Get("s.skill_node_id")
	clusterID, _ := rec.Get("s.cluster_id")
	conf, _ := rec.Get("r.confidence")

	ref := &SkillRef{URI: asString(uri), SkillNodeID: asString(nodeID), ClusterID: asString(clusterID)}
	if f, ok := conf.(float64); ok {
		ref.Confidence = f
	}
	return ref, true, nil
}

// RecordInvocation bumps the skill's usage counters.
func (s *Store) RecordInvocation(ctx context.Context, uri string, success bool) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	inc := 0
	if success {
		inc = 1
	}
	_, err := session.Run(ctx,
		`MATCH (s:Skill {uri: $uri})
		 SET s.invocations = s.invocations + 1,
		     s.successes = s.successes + $inc,
		     s.last_used = datetime()`,
		map[string]interface{}{"uri": uri, "inc": inc})
	return err
}

// ClusterSkills lists skills that resolve a cluster, most used first.
func (s *Store) ClusterSkills(ctx context.Context, clusterID string) ([]SkillRef, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Skill)-[:RESOLVES]->(:Cluster {id: $clusterId})
		 RETURN s.uri, s.skill_node_id
		 ORDER BY s.invocations DESC`,
		map[string]interface{}{"clusterId": clusterID})
	if err != nil {
		return nil, err
	}
	var out []SkillRef
	for result.Next(ctx) {
		rec := result.Record()
		uri, _ := rec.Get("s.uri")
		nodeID, _ := rec.Get("s.skill_node_id")
		out = append(out, SkillRef{URI: asString(uri), SkillNodeID: asString(nodeID), ClusterID: clusterID})
	}
	return out, result.Err()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
