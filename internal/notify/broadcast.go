package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/training"
)

const maxHistory = 100

// Broadcaster fans notices out to every registered Notifier.
type Broadcaster struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	history   []Record
	agentID   string
	logger    *zap.Logger
}

// NewBroadcaster creates an empty broadcaster. agentID is stamped on notices
// built from queue transitions.
func NewBroadcaster(agentID string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		notifiers: make(map[string]Notifier),
		agentID:   agentID,
		logger:    logger,
	}
}

// Register adds a notifier, replacing any for the same platform.
func (b *Broadcaster) Register(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers[n.Platform()] = n
	b.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// ConnectAll connects every notifier. Platforms that fail are dropped.
func (b *Broadcaster) ConnectAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for platform, n := range b.notifiers {
		if err := n.Connect(ctx); err != nil {
			b.logger.Warn("notifier connect failed",
				zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("connect %s: %w", platform, err))
			delete(b.notifiers, platform)
			continue
		}
		b.logger.Info("notifier connected", zap.String("platform", platform))
	}
	return errors.Join(errs...)
}

// Send delivers n to all, or the selected, platforms.
func (b *Broadcaster) Send(ctx context.Context, n *Notice) error {
	if n.Kind == "" {
		return errors.New("notice kind is required")
	}

	b.mu.RLock()
	targets := make(map[string]Notifier)
	if len(n.Platforms) == 0 {
		for p, nt := range b.notifiers {
			targets[p] = nt
		}
	} else {
		for _, p := range n.Platforms {
			if nt, ok := b.notifiers[p]; ok {
				targets[p] = nt
			}
		}
	}
	b.mu.RUnlock()

	var sent []string
	var failed int
	for platform, nt := range targets {
		if err := nt.Notify(ctx, n); err != nil {
			b.logger.Error("notify failed", zap.String("platform", platform), zap.Error(err))
			failed++
			continue
		}
		sent = append(sent, platform)
	}
	sort.Strings(sent)

	b.mu.Lock()
	b.history = append(b.history, Record{Notice: n, SentAt: time.Now(), Targets: sent})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("notify failed on %d platform(s)", failed)
	}
	return nil
}

// History returns the most recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Platforms lists registered platform names.
func (b *Broadcaster) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.notifiers))
	for p := range b.notifiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close shuts down all notifiers.
func (b *Broadcaster) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for platform, n := range b.notifiers {
		if err := n.Close(); err != nil {
			b.logger.Error("notifier close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

func (b *Broadcaster) JobCompleted(j training.Job) {
	if j.Result == nil {
		return
	}
	n := &Notice{Kind: KindTrainingCompleted, AgentID: b.agentID, Priority: j.Priority}
	if j.Result.SkillFound {
		n.Title = "Adapter trained into skill"
		n.Content = fmt.Sprintf("job %s (%s) resolved to %s", j.QueueID, j.Dataset.ErrorType, j.Result.SkillURI)
	} else {
		n.Title = "Adapter trained, no skill yet"
		n.Content = fmt.Sprintf("job %s (%s) registered error node %s", j.QueueID, j.Dataset.ErrorType, j.Result.ErrorNodeID)
	}
	b.deliver(n)
}

// JobRetrying is not announced.
func (b *Broadcaster) JobRetrying(training.Job) {}

func (b *Broadcaster) JobFailed(j training.Job) {
	b.deliver(&Notice{
		Kind:     KindTrainingFailed,
		Title:    "Training gave up",
		Content:  fmt.Sprintf("job %s (%s) failed after %d attempts: %s", j.QueueID, j.Dataset.ErrorType, j.RetryCount, j.LastError),
		AgentID:  b.agentID,
		Priority: j.Priority,
	})
}

func (b *Broadcaster) deliver(n *Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Send(ctx, n); err != nil {
		b.logger.Warn("notice not delivered", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}
