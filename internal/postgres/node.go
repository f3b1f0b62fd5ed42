package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

// NodeRepository abstracts database access for the node registry.
type NodeRepository interface {
	// Heartbeat registers the node on first call and refreshes its lease on
	// subsequent ones.
	Heartbeat(ctx context.Context, node *domain.Node) error
	GetByID(ctx context.Context, id string) (*domain.Node, error)
	// ListAlive returns the family's nodes whose heartbeat is newer than
	// aliveAfter, least-loaded first.
	ListAlive(ctx context.Context, family string, aliveAfter time.Time) ([]*domain.Node, error)
	// ClaimCapacity reserves one invocation slot with a conditional
	// increment. Returns false when the node is at capacity.
	ClaimCapacity(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type nodeRepository struct {
	pool *pgxpool.Pool
}

// NewNodeRepository wraps a pgxpool with the NodeRepository interface.
func NewNodeRepository(pool *pgxpool.Pool) NodeRepository {
	return &nodeRepository{pool: pool}
}

func (r *nodeRepository) Heartbeat(ctx context.Context, node *domain.Node) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes (id, family, endpoint, dispatched, capacity, last_heartbeat)
		VALUES ($1, $2, $3, 0, 1, $4)
		ON CONFLICT (id) DO UPDATE
		SET endpoint = EXCLUDED.endpoint, last_heartbeat = EXCLUDED.last_heartbeat
	`, node.ID, node.Family, node.Endpoint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("heartbeat node %s: %w", node.ID, err)
	}
	return nil
}

func (r *nodeRepository) GetByID(ctx context.Context, id string) (*domain.Node, error) {
	var n domain.Node
	err := r.pool.QueryRow(ctx, `
		SELECT id, family, endpoint, dispatched, last_heartbeat
		FROM nodes
		WHERE id = $1
	`, id).Scan(&n.ID, &n.Family, &n.Endpoint, &n.Dispatched, &n.LastHeartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NodeNotFoundError{NodeID: id}
		}
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &n, nil
}

func (r *nodeRepository) ListAlive(ctx context.Context, family string, aliveAfter time.Time) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, family, endpoint, dispatched, last_heartbeat
		FROM nodes
		WHERE family = $1 AND last_heartbeat > $2
		ORDER BY dispatched ASC, last_heartbeat DESC
	`, family, aliveAfter)
	if err != nil {
		return nil, fmt.Errorf("list alive nodes for %s: %w", family, err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		var n domain.Node
		if err := rows.Scan(&n.ID, &n.Family, &n.Endpoint, &n.Dispatched, &n.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (r *nodeRepository) ClaimCapacity(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET dispatched = dispatched + 1
		WHERE id = $1 AND dispatched < capacity
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim capacity on node %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *nodeRepository) Release(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET dispatched = GREATEST(dispatched - 1, 0)
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release node %s: %w", id, err)
	}
	return nil
}
