package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingEntry describes one claimed-but-unacknowledged message in the
// consumer group's pending list.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// PendingInspector exposes the pending list and re-claiming for the recovery
// reconciler.
type PendingInspector interface {
	// Pending lists entries whose idle time is at least minIdle.
	Pending(ctx context.Context, minIdle time.Duration, count int64) ([]PendingEntry, error)
	// Claim re-assigns the given entries to consumerName, returning their
	// bodies. Entries whose idle time dropped below minIdle in the meantime
	// (their owner is alive after all) are silently excluded.
	Claim(ctx context.Context, consumerName string, minIdle time.Duration, ids []string) ([]Message, error)
}

type pendingInspector struct {
	client *redis.Client
	stream string
	group  string
}

// NewPendingInspector creates a pending-list view over a family stream.
func NewPendingInspector(client *redis.Client, family string) PendingInspector {
	return &pendingInspector{
		client: client,
		stream: StreamFor(family),
		group:  GroupFor(family),
	}
}

func (p *pendingInspector) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	ext, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: p.stream,
		Group:  p.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", p.stream, err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		entries = append(entries, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			Deliveries: e.RetryCount,
		})
	}
	return entries, nil
}

func (p *pendingInspector) Claim(ctx context.Context, consumerName string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := p.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   p.stream,
		Group:    p.group,
		Consumer: consumerName,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", p.stream, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
	}
	return msgs, nil
}
