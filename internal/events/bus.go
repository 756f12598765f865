// Package events publishes training and invocation events on a Redis Stream
// so operators and sibling agents can follow what the engine is doing.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind classifies an Event.
type Kind string

const (
	KindEnqueued  Kind = "job.enqueued"
	KindRetrying  Kind = "job.retrying"
	KindCompleted Kind = "job.completed"
	KindFailed    Kind = "job.failed"
	KindInvoked   Kind = "skill.invoked"
)

// Event is one entry on the stream.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	AgentID     string    `json:"agentId,omitempty"`
	QueueID     string    `json:"queueId,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	SkillURI    string    `json:"skillURI,omitempty"`
	ErrorNodeID string    `json:"errorNodeId,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bus is a Redis Streams backed event bus.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to redisURL and publishes to stream.
func NewBus(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: 10000, logger: logger}, nil
}

// Publish appends ev to the stream. ID and Timestamp are filled when empty.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published event",
		zap.String("kind", string(ev.Kind)),
		zap.String("queue_id", ev.QueueID))
	return nil
}

// Subscribe follows the stream from now on. The channel closes when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("stream read failed", zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
