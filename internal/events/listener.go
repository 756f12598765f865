package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/training"
)

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// QueueListener turns queue transitions into events.
type QueueListener struct {
	pub     Publisher
	agentID string
	logger  *zap.Logger
}

// NewQueueListener returns a training.Listener that publishes to pub.
func NewQueueListener(pub Publisher, agentID string, logger *zap.Logger) *QueueListener {
	return &QueueListener{pub: pub, agentID: agentID, logger: logger}
}

func (l *QueueListener) JobCompleted(j training.Job) { l.emit(KindCompleted, j) }
func (l *QueueListener) JobRetrying(j training.Job)  { l.emit(KindRetrying, j) }
func (l *QueueListener) JobFailed(j training.Job)    { l.emit(KindFailed, j) }

// FromJob builds the event for a queue transition.
func FromJob(kind Kind, agentID string, j training.Job) Event {
	ev := Event{
		Kind:    kind,
		AgentID: agentID,
		QueueID: j.QueueID,
		Attempt: j.RetryCount,
		Error:   j.LastError,
	}
	if j.Result != nil {
		ev.SkillURI = j.Result.SkillURI
		ev.ErrorNodeID = j.Result.ErrorNodeID
	}
	return ev
}

func (l *QueueListener) emit(kind Kind, j training.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.pub.Publish(ctx, FromJob(kind, l.agentID, j)); err != nil {
		l.logger.Warn("failed to publish job event", zap.String("queue_id", j.QueueID), zap.Error(err))
	}
}
