package notify

import (
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/orchestrator"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/skill"
)

func TestRelayFiltersOutcomes(t *testing.T) {
	b := NewBroadcaster("agent-1", zap.NewNop())
	f := &fakeNotifier{platform: "slack"}
	b.Register(f)

	ch := make(chan orchestrator.Outcome, 8)
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeInvoked, SkillSource: skill.SourceRegistry, SkillURI: "knirv://skill/a", ErrorType: "TypeError"}
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeInvoked, SkillSource: skill.SourceRegistry, Cached: true}
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeInvoked, SkillSource: skill.SourceTrained}
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeTraining}
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeFailed, Error: "discover: timeout"}
	ch <- orchestrator.Outcome{Kind: orchestrator.OutcomeFailed, SkillURI: "knirv://skill/b", Error: "boom",
		Invocation: &router.InvocationResult{Success: false}}
	close(ch)

	b.Relay(ch)

	if len(f.notices) != 2 {
		t.Fatalf("notices = %d, want 2", len(f.notices))
	}
	if f.notices[0].Kind != KindSkillFound || f.notices[1].Kind != KindInvocationFailed {
		t.Errorf("kinds = %s, %s", f.notices[0].Kind, f.notices[1].Kind)
	}
}
