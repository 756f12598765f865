package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/training"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestQueueListenerPublishes(t *testing.T) {
	rec := &recorder{}
	l := NewQueueListener(rec, "agent-1", zap.NewNop())

	l.JobRetrying(training.Job{QueueID: "q1", RetryCount: 1, LastError: "boom"})
	l.JobCompleted(training.Job{QueueID: "q1", RetryCount: 1,
		Result: &registry.DiscoveryResult{SkillFound: true, SkillURI: "knirv://skill/s"}})
	l.JobFailed(training.Job{QueueID: "q2", RetryCount: 4, LastError: "gave up"})

	if len(rec.events) != 3 {
		t.Fatalf("events = %d, want 3", len(rec.events))
	}
	want := []Kind{KindRetrying, KindCompleted, KindFailed}
	for i, ev := range rec.events {
		if ev.Kind != want[i] {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind, want[i])
		}
		if ev.AgentID != "agent-1" {
			t.Errorf("event %d agent = %q", i, ev.AgentID)
		}
	}
	if rec.events[1].SkillURI != "knirv://skill/s" {
		t.Errorf("completed event missing skill: %+v", rec.events[1])
	}
	if rec.events[2].Attempt != 4 || rec.events[2].Error != "gave up" {
		t.Errorf("failed event = %+v", rec.events[2])
	}
}

func TestQueueListenerSwallowsPublishErrors(t *testing.T) {
	rec := &recorder{err: errors.New("redis down")}
	l := NewQueueListener(rec, "agent-1", zap.NewNop())
	l.JobFailed(training.Job{QueueID: "q"})
	if len(rec.events) != 1 {
		t.Fatalf("publish not attempted")
	}
}
