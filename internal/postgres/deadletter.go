package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

// DeadLetterRepository abstracts database access for dead letters.
type DeadLetterRepository interface {
	Create(ctx context.Context, dl *domain.DeadLetter) error
	ListRecent(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
}

type deadLetterRepository struct {
	pool *pgxpool.Pool
}

// NewDeadLetterRepository wraps a pgxpool with the DeadLetterRepository interface.
func NewDeadLetterRepository(pool *pgxpool.Pool) DeadLetterRepository {
	return &deadLetterRepository{pool: pool}
}

func (r *deadLetterRepository) Create(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = newID()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, stream_id, source, raw_body, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dl.ID, dl.StreamID, dl.Source, dl.RawBody, dl.Reason, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dead letter for entry %s: %w", dl.StreamID, err)
	}
	return nil
}

func (r *deadLetterRepository) ListRecent(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, stream_id, source, raw_body, reason, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.StreamID, &dl.Source, &dl.RawBody, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}
