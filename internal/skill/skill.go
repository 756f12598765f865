package skill

import "time"

// Source values.
const (
	SourceRegistry = "registry" // resolved by the remote registry
	SourceTrained  = "trained"  // produced by a local training job
	SourcePlugin   = "plugin"   // loaded from a skills directory
	SourceSimilar  = "similar"  // borrowed from a similar solved error
)

// Skill is an executable remediation known to this agent, addressed by its
// registry URI.
type Skill struct {
	ID          string    `json:"id"`
	URI         string    `json:"uri"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ErrorType   string    `json:"error_type,omitempty"`
	ClusterID   string    `json:"cluster_id,omitempty"`
	SkillNodeID string    `json:"skill_node_id,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Digests     []string  `json:"digests,omitempty"` // fingerprint digests this skill resolves
	Source      string    `json:"source"`
	Invocations int64     `json:"invocations"`
	Successes   int64     `json:"successes"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
}

// SuccessRate is successes over invocations, 0 when never invoked.
func (s *Skill) SuccessRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Invocations)
}
