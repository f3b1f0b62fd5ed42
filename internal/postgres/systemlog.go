package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

// SystemLogRepository appends failure records. Append-only; nothing in the
// processing path reads these back.
type SystemLogRepository interface {
	Append(ctx context.Context, entry *domain.SystemLog) error
}

type systemLogRepository struct {
	pool *pgxpool.Pool
}

// NewSystemLogRepository wraps a pgxpool with the SystemLogRepository interface.
func NewSystemLogRepository(pool *pgxpool.Pool) SystemLogRepository {
	return &systemLogRepository{pool: pool}
}

func (r *systemLogRepository) Append(ctx context.Context, entry *domain.SystemLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO system_logs (id, task_id, source, summary, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
	`, entry.ID, entry.TaskID, entry.Source, entry.Summary, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append system log for task %s: %w", entry.TaskID, err)
	}
	return nil
}
