package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// Message is one claimed stream entry.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// Payload returns the raw task message bytes, or nil when the field is
// missing or not a string.
func (m Message) Payload() []byte {
	s, ok := m.Values[payloadField].(string)
	if !ok {
		return nil
	}
	return []byte(s)
}

// HandlerFunc processes a single claimed message. Acknowledgment is the
// handler's responsibility: the at-least-once contract requires the ack to
// come only after the store update has committed, so the loop never acks on
// the handler's behalf.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer drains one family stream through a named consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Ack(ctx context.Context, id string) error
	Close() error
}

type consumer struct {
	client   *redis.Client
	stream   string
	group    string
	name     string
	blockFor time.Duration
	logger   *slog.Logger
}

// NewConsumer creates a consumer-group member for the given family stream.
// The group is created on first use (MKSTREAM), so workers can start before
// the dispatcher has published anything.
func NewConsumer(client *redis.Client, family, consumerName string, logger *slog.Logger) Consumer {
	return &consumer{
		client:   client,
		stream:   StreamFor(family),
		group:    GroupFor(family),
		name:     consumerName,
		blockFor: 5 * time.Second,
		logger:   logger,
	}
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (c *consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Subscribe reads new messages in a loop until ctx is cancelled. Each claimed
// entry lands on this consumer's pending list until Ack removes it.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    c.blockFor,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			if errors.Is(err, redis.Nil) {
				continue // poll timeout, nothing to claim
			}
			return fmt.Errorf("stream read from %s: %w", c.stream, err)
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				msg := Message{ID: entry.ID, Values: entry.Values}

				// Continue the trace the producer started.
				msgCtx := otel.GetTextMapPropagator().Extract(ctx, ValueCarrier(entry.Values))

				if err := handler(msgCtx, msg); err != nil {
					// The entry stays pending; the reconciler picks it up
					// once its idle time exceeds the lease.
					c.logger.Error("message handler failed, entry left pending",
						slog.String("stream", c.stream),
						slog.String("entry_id", entry.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (c *consumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, c.stream, err)
	}
	return nil
}

func (c *consumer) Close() error {
	return nil // the shared client is closed by its owner
}
