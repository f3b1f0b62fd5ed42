package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// payloadField holds the JSON-encoded task message inside a stream entry.
// Remaining fields are reserved for propagated trace context.
const payloadField = "payload"

// Producer appends task messages to per-family streams.
type Producer interface {
	Publish(ctx context.Context, family string, payload []byte) (string, error)
	Close() error
}

type producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer creates a stream producer. maxLen bounds each stream with an
// approximate trim (XADD MAXLEN ~); it is a memory cap, not a correctness
// mechanism — the store is the durable record.
func NewProducer(client *redis.Client, maxLen int64) Producer {
	return &producer{client: client, maxLen: maxLen}
}

// NewClient creates a Redis client for the log.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  30 * time.Second, // must exceed the blocking read timeout
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})
}

func (p *producer) Publish(ctx context.Context, family string, payload []byte) (string, error) {
	values := ValueCarrier{payloadField: string(payload)}
	// Inject the active trace context so consumers can continue the trace.
	otel.GetTextMapPropagator().Inject(ctx, values)

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamFor(family),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}(values),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream publish to %s: %w", StreamFor(family), err)
	}
	return id, nil
}

func (p *producer) Close() error {
	return nil // the shared client is closed by its owner
}
