// Package bus moves coordination traffic over Redis Streams: inbound
// manuscript events arrive on one stream, outbound actions leave on
// another. The editorial system on the far side only ever sees streams,
// never this process's internals.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	eventStream  = "peerflow:events"
	actionStream = "peerflow:actions"
)

// Bus is a Redis-backed event feed and action sink.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// actionRecord is the wire form of an outbound action.
type actionRecord struct {
	ID         string            `json:"id"`
	ActionType string            `json:"action_type"`
	Target     string            `json:"target"`
	Payload    map[string]string `json:"payload,omitempty"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// Publish appends one action to the outbound stream. It satisfies the
// coordination sink contract and is safe for concurrent use.
func (b *Bus) Publish(ctx context.Context, a coordination.Action) error {
	data, err := json.Marshal(actionRecord{
		ID:         uuid.New().String(),
		ActionType: a.Type,
		Target:     a.Target,
		Payload:    a.Payload,
		EmittedAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: actionStream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", actionStream, err)
	}

	b.logger.Debug("action published",
		zap.String("action", a.Type),
		zap.String("target", a.Target))
	return nil
}

// PublishEvent appends one event to the inbound stream. The HTTP ingest
// path uses this so API-submitted events and stream-native ones travel
// the same road.
func (b *Bus) PublishEvent(ctx context.Context, ev coordination.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", eventStream, err)
	}
	return nil
}

// Subscribe tails the inbound event stream from its current tip.
// Returns a channel that emits events. Cancel the context to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan coordination.Event {
	ch := make(chan coordination.Event, 16)

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
				Streams: []string{eventStream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
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
					var ev coordination.Event
					if err := json.Unmarshal([]byte(data), &ev); err != nil {
						b.logger.Warn("malformed event on stream",
							zap.String("stream_id", msg.ID),
							zap.Error(err))
						continue
					}
					ch <- ev
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
