// Package stream narrows the durable-stream surface the engine needs to a
// small broker interface so components stay testable without a live redis.
package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one stream entry.
type Message struct {
	ID     string
	Values map[string]any
}

// Broker is the durable-stream capability used by the consumer, the health
// monitor and the standby manager.
type Broker interface {
	// EnsureGroup creates the consumer group if it does not exist.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads up to count new messages for the consumer, blocking
	// up to block. A nil slice with nil error means the read timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	// Ack acknowledges messages for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Publish appends an entry and returns its id.
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)
}

// RedisBroker implements Broker over redis streams.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker wraps an existing redis client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	return b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}
