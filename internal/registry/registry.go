// Package registry tracks live inference backend nodes per model family and
// hands out session-sticky assignments. Liveness is a heartbeat lease, the
// sticky relation lives in the store, and capacity is reserved with a
// conditional increment — workers stay functionally stateless.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/pkg/retry"
)

// Acquisition is a reserved node slot for one inference call. Changed is true
// when the conversation's sticky node was replaced, meaning the new node has
// no session memory and the worker must submit the full turn history.
type Acquisition struct {
	Node    *domain.Node
	Changed bool
}

// Registry is the lease-based node affinity registry.
type Registry struct {
	nodes         postgres.NodeRepository
	convs         postgres.ConversationRepository
	lease         time.Duration
	claimAttempts int
	claimBackoff  time.Duration
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithLease(d time.Duration) Option      { return func(r *Registry) { r.lease = d } }
func WithClaimAttempts(n int) Option        { return func(r *Registry) { r.claimAttempts = n } }
func WithClaimBackoff(d time.Duration) Option { return func(r *Registry) { r.claimBackoff = d } }
func WithLogger(l *slog.Logger) Option      { return func(r *Registry) { r.logger = l } }

// New constructs a Registry over the given repositories.
func New(nodes postgres.NodeRepository, convs postgres.ConversationRepository, opts ...Option) *Registry {
	r := &Registry{
		nodes:         nodes,
		convs:         convs,
		lease:         30 * time.Second,
		claimAttempts: 3,
		claimBackoff:  50 * time.Millisecond,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Heartbeat registers or refreshes a node's lease.
func (r *Registry) Heartbeat(ctx context.Context, node *domain.Node) error {
	return r.nodes.Heartbeat(ctx, node)
}

// ListAlive returns the family's nodes with a valid lease, least-loaded first.
func (r *Registry) ListAlive(ctx context.Context, family string) ([]*domain.Node, error) {
	return r.nodes.ListAlive(ctx, family, time.Now().UTC().Add(-r.lease))
}

// Acquire picks a node for the conversation and reserves a capacity slot.
// The sticky node is preferred while its lease holds; otherwise the
// least-loaded alive node takes over and the sticky assignment is updated.
// Capacity contention is retried with randomized backoff.
func (r *Registry) Acquire(ctx context.Context, family, conversationID string) (*Acquisition, error) {
	var acq *Acquisition

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: r.claimAttempts,
		BaseDelay:   r.claimBackoff,
		Jitter:      2 * r.claimBackoff,
	}, func() error {
		a, err := r.tryAcquire(ctx, family, conversationID)
		if err != nil {
			return err
		}
		acq = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acq, nil
}

// capacityContendedError marks a retryable claim loss.
type capacityContendedError struct{ nodeID string }

func (e *capacityContendedError) Error() string {
	return "node capacity contended: " + e.nodeID
}

func (r *Registry) tryAcquire(ctx context.Context, family, conversationID string) (*Acquisition, error) {
	alive, err := r.ListAlive(ctx, family)
	if err != nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, &domain.NoAliveNodeError{Family: family}
	}

	sticky := ""
	if conversationID != "" {
		conv, err := r.convs.GetByID(ctx, conversationID)
		if err == nil {
			sticky = conv.StickyNodeID
		}
	}

	// Sticky node first while alive, then the rest least-loaded.
	ordered := make([]*domain.Node, 0, len(alive))
	for _, n := range alive {
		if n.ID == sticky {
			ordered = append([]*domain.Node{n}, ordered...)
		} else {
			ordered = append(ordered, n)
		}
	}

	for _, candidate := range ordered {
		ok, err := r.nodes.ClaimCapacity(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		changed := sticky != "" && sticky != candidate.ID
		if conversationID != "" && candidate.ID != sticky {
			if err := r.convs.SetStickyNode(ctx, conversationID, candidate.ID); err != nil {
				r.logger.Error("failed to record sticky node",
					slog.String("conversation_id", conversationID),
					slog.String("node_id", candidate.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if changed {
			r.logger.Info("sticky node replaced",
				slog.String("conversation_id", conversationID),
				slog.String("old_node", sticky),
				slog.String("new_node", candidate.ID),
			)
		}
		return &Acquisition{Node: candidate, Changed: changed}, nil
	}

	// Every alive node is at capacity; let the backoff retry.
	return nil, &capacityContendedError{nodeID: ordered[0].ID}
}

// Release returns the capacity slot reserved by Acquire.
func (r *Registry) Release(ctx context.Context, nodeID string) {
	if nodeID == "" {
		return
	}
	if err := r.nodes.Release(ctx, nodeID); err != nil {
		r.logger.Error("failed to release node slot",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
	}
}
