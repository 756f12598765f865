// Package notify posts engine outcomes (skills found, training finished,
// training given up on) to chat platforms.
package notify

import (
	"context"
	"time"
)

// Notifier is one chat platform.
type Notifier interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, n *Notice) error
	Close() error
}

// Kind categorizes notices.
type Kind string

const (
	KindSkillFound        Kind = "skill_found"
	KindTrainingCompleted Kind = "training_completed"
	KindTrainingFailed    Kind = "training_failed"
	KindInvocationFailed  Kind = "invocation_failed"
)

// Notice is sent to every registered platform.
type Notice struct {
	Kind      Kind     `json:"kind"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	AgentID   string   `json:"agent_id"`
	Priority  int      `json:"priority"`
	Platforms []string `json:"platforms,omitempty"`
}

// Record tracks a sent notice for history.
type Record struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}
