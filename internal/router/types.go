package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SpendToken authorizes one invocation to consume up to Amount of Denom.
type SpendToken struct {
	Token  string  `json:"token"`
	Amount float64 `json:"amount"`
	Denom  string  `json:"denom,omitempty"`
}

// TokenSource hands out spend tokens for invocations.
type TokenSource interface {
	SpendToken(ctx context.Context, skillURI string) (SpendToken, error)
}

// StaticTokenSource always returns the same configured token.
type StaticTokenSource struct {
	Token SpendToken
}

func (s StaticTokenSource) SpendToken(_ context.Context, _ string) (SpendToken, error) {
	if s.Token.Token == "" {
		return SpendToken{}, errors.New("no spend token configured")
	}
	return s.Token, nil
}

// InvocationResult is what the router reported for one invocation. Output is
// opaque skill output: the raw octet-stream body, or skill_data from a JSON
// body.
type InvocationResult struct {
	Success          bool          `json:"success"`
	InvocationID     string        `json:"invocationId,omitempty"`
	Status           string        `json:"status,omitempty"`
	ExecutionTime    time.Duration `json:"executionTime,omitempty"`
	MemoryUsed       int64         `json:"memoryUsed,omitempty"`
	ConsensusReached bool          `json:"consensusReached"`
	Output           []byte        `json:"output,omitempty"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
}

// ErrInsufficientBudget marks a 402 from the router.
var ErrInsufficientBudget = errors.New("insufficient budget")

// ErrOutputTooLarge marks a response body over Config.MaxOutputBytes.
var ErrOutputTooLarge = errors.New("skill output too large")

// InvocationError reports a transport failure or a router-declared failure.
type InvocationError struct {
	SkillURI   string
	Endpoint   string
	StatusCode int    // HTTP status, 0 if the request never completed
	Status     string // X-KNIRV-Status or body status
	Err        error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invocation failed: %s: POST %s", e.SkillURI, e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, ": status %s", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }

type invokeRequest struct {
	SkillURI   string         `json:"skillURI"`
	SpendToken SpendToken     `json:"spendToken"`
	Parameters map[string]any `json:"parameters"`
}

// invokeResponse is the JSON body. execution_time is milliseconds.
type invokeResponse struct {
	InvocationID     string          `json:"invocation_id"`
	Status           string          `json:"status"`
	ExecutionTime    float64         `json:"execution_time"`
	MemoryUsed       int64           `json:"memory_used"`
	ConsensusReached bool            `json:"consensus_reached"`
	SkillData        json.RawMessage `json:"skill_data"`
	Error            string          `json:"error,omitempty"`
}

// skillOutput unwraps a JSON string payload; any other JSON value is kept raw.
func skillOutput(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return []byte(raw)
}

// failedStatus reports whether a header or body status declares failure.
// An empty status says nothing.
func failedStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ok", "success", "succeeded", "completed", "complete":
		return false
	default:
		return true
	}
}
