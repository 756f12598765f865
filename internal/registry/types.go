package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
)

// QueryStatus is the status field of a cluster query response.
type QueryStatus string

const (
	QueryStatusSuccess      QueryStatus = "QUERY_SUCCESS"
	QueryStatusFailed       QueryStatus = "QUERY_FAILED"
	QueryStatusNoMatch      QueryStatus = "QUERY_NO_MATCH"
	QueryStatusPartialMatch QueryStatus = "QUERY_PARTIAL_MATCH"
	QueryStatusUnknown      QueryStatus = "QUERY_UNKNOWN"
)

// UnmarshalJSON maps any value the registry sends that this client does not
// know onto QueryStatusUnknown.
func (s *QueryStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := QueryStatus(raw); v {
	case QueryStatusSuccess, QueryStatusFailed, QueryStatusNoMatch, QueryStatusPartialMatch:
		*s = v
	default:
		*s = QueryStatusUnknown
	}
	return nil
}

// SubmissionStatus is the status field of an error-node submission response.
type SubmissionStatus string

const (
	SubmissionStatusSuccess   SubmissionStatus = "SUBMISSION_SUCCESS"
	SubmissionStatusFailed    SubmissionStatus = "SUBMISSION_FAILED"
	SubmissionStatusDuplicate SubmissionStatus = "SUBMISSION_DUPLICATE"
	SubmissionStatusInvalid   SubmissionStatus = "SUBMISSION_INVALID"
	SubmissionStatusUnknown   SubmissionStatus = "SUBMISSION_UNKNOWN"
)

func (s *SubmissionStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := SubmissionStatus(raw); v {
	case SubmissionStatusSuccess, SubmissionStatusFailed, SubmissionStatusDuplicate, SubmissionStatusInvalid:
		*s = v
	default:
		*s = SubmissionStatusUnknown
	}
	return nil
}

// Priority is the registry's urgency scale for new error nodes.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// PriorityFor derives the submission priority from a declared severity.
func PriorityFor(sev fingerprint.Severity) Priority {
	switch sev {
	case fingerprint.SeverityLow:
		return PriorityLow
	case fingerprint.SeverityHigh:
		return PriorityHigh
	case fingerprint.SeverityCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// BountyFor scales the base bounty by severity: 1x, 2x, 4x, 8x.
func BountyFor(base float64, sev fingerprint.Severity) float64 {
	switch sev {
	case fingerprint.SeverityLow:
		return base
	case fingerprint.SeverityHigh:
		return base * 4
	case fingerprint.SeverityCritical:
		return base * 8
	default:
		return base * 2
	}
}

// Match classifies a query response.
type Match int

const (
	MatchUnknown Match = iota
	MatchExact
	MatchPartial
	MatchNone
	MatchFailed
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "found-exact"
	case MatchPartial:
		return "found-partial"
	case MatchNone:
		return "no-match"
	case MatchFailed:
		return "query-failed"
	default:
		return "unknown"
	}
}

// Classify maps a query status onto a Match.
func Classify(s QueryStatus) Match {
	switch s {
	case QueryStatusSuccess:
		return MatchExact
	case QueryStatusPartialMatch:
		return MatchPartial
	case QueryStatusNoMatch:
		return MatchNone
	case QueryStatusFailed:
		return MatchFailed
	default:
		return MatchUnknown
	}
}

// ClusterSummary describes a near-miss cluster returned alongside a query.
type ClusterSummary struct {
	ClusterID         string   `json:"clusterId"`
	DominantErrorType string   `json:"dominantErrorType"`
	MemberCount       int      `json:"memberCount"`
	AverageSeverity   float64  `json:"averageSeverity"`
	Tags              []string `json:"tags,omitempty"`
	BountyAmount      float64  `json:"bountyAmount"`
}

// DiscoveryResult is the outcome of Discover. Exactly one of SkillURI and
// ErrorNodeID is set.
type DiscoveryResult struct {
	SkillFound      bool             `json:"skillFound"`
	SkillURI        string           `json:"skillURI,omitempty"`
	SkillNodeID     string           `json:"skillNodeId,omitempty"`
	ClusterID       string           `json:"clusterId,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
	ErrorNodeID     string           `json:"errorNodeId,omitempty"`
	SimilarClusters []ClusterSummary `json:"similarClusters,omitempty"`
}

// ErrInvalidResult is returned by Validate.
var ErrInvalidResult = errors.New("invalid discovery result")

// Validate checks the exactly-one-of invariant.
func (r *DiscoveryResult) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidResult)
	}
	switch {
	case r.SkillURI != "" && r.ErrorNodeID != "":
		return fmt.Errorf("%w: both skill URI and error node set", ErrInvalidResult)
	case r.SkillURI == "" && r.ErrorNodeID == "":
		return fmt.Errorf("%w: neither skill URI nor error node set", ErrInvalidResult)
	case r.SkillFound != (r.SkillURI != ""):
		return fmt.Errorf("%w: skillFound=%t disagrees with skill URI", ErrInvalidResult, r.SkillFound)
	}
	return nil
}

// Wire types.

type queryRequest struct {
	ErrorContext        json.RawMessage `json:"errorContext"`
	MaxResults          int             `json:"maxResults,omitempty"`
	SimilarityThreshold float64         `json:"similarityThreshold,omitempty"`
}

type skillNodeResult struct {
	SkillURI    string  `json:"skillURI"`
	SkillNodeID string  `json:"skillNodeId"`
	ClusterID   string  `json:"clusterId"`
	Confidence  float64 `json:"confidence"`
}

type queryResponse struct {
	Status          QueryStatus      `json:"status"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	SkillNodeResult *skillNodeResult `json:"skillNodeResult,omitempty"`
	SimilarClusters []ClusterSummary `json:"similarClusters,omitempty"`
}

type submitRequest struct {
	ErrorContext json.RawMessage `json:"errorContext"`
	BountyAmount float64         `json:"bountyAmount"`
	Priority     Priority        `json:"priority"`
}

type submitResponse struct {
	Status       SubmissionStatus `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	ErrorNodeID  string           `json:"errorNodeId,omitempty"`
	ClusterID    string           `json:"clusterId,omitempty"`
}
