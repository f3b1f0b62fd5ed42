package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

// BatchRepository abstracts database access for batches.
type BatchRepository interface {
	// CreateWithTasks inserts the batch and its tasks in one transaction, so
	// a crash mid-dispatch never leaves tasks without their batch row.
	CreateWithTasks(ctx context.Context, batch *domain.Batch, tasks []*domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	// Tasks returns the batch's tasks in creation order; batch status is
	// derived from their statuses on read.
	Tasks(ctx context.Context, batchID string) ([]*domain.Task, error)
}

type batchRepository struct {
	pool *pgxpool.Pool
}

// NewBatchRepository wraps a pgxpool with the BatchRepository interface.
func NewBatchRepository(pool *pgxpool.Pool) BatchRepository {
	return &batchRepository{pool: pool}
}

func (r *batchRepository) CreateWithTasks(ctx context.Context, batch *domain.Batch, tasks []*domain.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, conversation_id, prompt, created_at)
		VALUES ($1, $2, $3, $4)
	`, batch.ID, batch.ConversationID, batch.Prompt, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", batch.ID, err)
	}

	for _, task := range tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks
				(id, batch_id, conversation_id, model_name, family, status,
				 prompt, files, retry_count, created_at, updated_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			task.ID, task.BatchID, task.ConversationID, task.ModelName, task.Family,
			int(task.Status), task.Prompt, task.Files, task.RetryCount,
			task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("create task %s in batch %s: %w", task.ID, batch.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}
	return nil
}

func (r *batchRepository) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	err := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, prompt, created_at
		FROM batches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.ConversationID, &b.Prompt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.BatchNotFoundError{BatchID: id}
		}
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return &b, nil
}

func (r *batchRepository) Tasks(ctx context.Context, batchID string) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}
