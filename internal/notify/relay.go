package notify

import (
	"fmt"

	"github.com/nidhogg/knirv-skillnet/internal/orchestrator"
	"github.com/nidhogg/knirv-skillnet/internal/skill"
)

// Relay announces engine outcomes until outcomes is closed. Only new
// registry hits and failed invocations are sent; training results come
// through the queue listener.
func (b *Broadcaster) Relay(outcomes <-chan orchestrator.Outcome) {
	for out := range outcomes {
		if n := b.outcomeNotice(out); n != nil {
			b.deliver(n)
		}
	}
}

func (b *Broadcaster) outcomeNotice(out orchestrator.Outcome) *Notice {
	switch {
	case out.Kind == orchestrator.OutcomeInvoked && out.SkillSource == skill.SourceRegistry && !out.Cached:
		return &Notice{
			Kind:     KindSkillFound,
			Title:    "Skill found",
			Content:  fmt.Sprintf("%s resolved by %s (cluster %s)", out.ErrorType, out.SkillURI, out.ClusterID),
			AgentID:  b.agentID,
			Priority: 5,
		}
	case out.Kind == orchestrator.OutcomeFailed && out.Invocation != nil:
		return &Notice{
			Kind:     KindInvocationFailed,
			Title:    "Skill invocation failed",
			Content:  fmt.Sprintf("%s on %s: %s", out.SkillURI, out.ErrorType, out.Error),
			AgentID:  b.agentID,
			Priority: 8,
		}
	}
	return nil
}
