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

// TaskRepository abstracts all database access for tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)

	// Claim attempts the PENDING→PROCESSING transition with a single
	// conditional update. Exactly one caller wins per task.
	Claim(ctx context.Context, id string) (bool, error)
	// ResetStale reverts a PROCESSING task abandoned before staleBefore back
	// to PENDING so the reconciler can feed it through the claim path again.
	ResetStale(ctx context.Context, id string, staleBefore time.Time) (bool, error)

	MarkSuccess(ctx context.Context, id, responseText string, costTime float64) error
	MarkFailed(ctx context.Context, id, errorMsg string) error
	IncrementRetry(ctx context.Context, id string) error

	// ListByConversation returns the conversation's tasks in creation order.
	ListByConversation(ctx context.Context, conversationID string) ([]*domain.Task, error)
	// RecentSuccessful returns up to limit most recent SUCCESS tasks of the
	// conversation, oldest first, for context reconstruction.
	RecentSuccessful(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error)
	// ListStalePending returns PENDING tasks created before olderThan — the
	// dispatcher-crashed-before-publish gap the reconciler sweeps.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Task, error)
}

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, batch_id, conversation_id, model_name, family, status,
	prompt, files, response_text, error_msg, cost_time, retry_count,
	created_at, updated_at, completed_at`

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, batch_id, conversation_id, model_name, family, status,
			 prompt, files, retry_count, created_at, updated_at)
		VALUES
			($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		task.ID, task.BatchID, task.ConversationID, task.ModelName, task.Family,
		int(task.Status), task.Prompt, task.Files, task.RetryCount,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, int(domain.StatusProcessing), time.Now().UTC(), id, int(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *taskRepository) ResetStale(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND updated_at < $5
	`, int(domain.StatusPending), time.Now().UTC(), id, int(domain.StatusProcessing), staleBefore)
	if err != nil {
		return false, fmt.Errorf("reset stale task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *taskRepository) MarkSuccess(ctx context.Context, id, responseText string, costTime float64) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, response_text = $2, cost_time = $3,
		    updated_at = $4, completed_at = $4
		WHERE id = $5
	`, int(domain.StatusSuccess), responseText, costTime, now, id)
	if err != nil {
		return fmt.Errorf("mark task %s success: %w", id, err)
	}
	return nil
}

func (r *taskRepository) MarkFailed(ctx context.Context, id, errorMsg string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, error_msg = $2, updated_at = $3, completed_at = $3
		WHERE id = $4
	`, int(domain.StatusFailed), errorMsg, now, id)
	if err != nil {
		return fmt.Errorf("mark task %s failed: %w", id, err)
	}
	return nil
}

func (r *taskRepository) IncrementRetry(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET retry_count = retry_count + 1, updated_at = $1
		WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment retry for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) ListByConversation(ctx context.Context, conversationID string) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *taskRepository) RecentSuccessful(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error) {
	// Fetch the newest N, then reverse so callers get chronological order.
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE conversation_id = $1 AND status = $2 AND response_text IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $3
	`, conversationID, int(domain.StatusSuccess), limit)
	if err != nil {
		return nil, fmt.Errorf("recent successful for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

func (r *taskRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, int(domain.StatusPending), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var batchID, responseText, errorMsg *string
	var costTime *float64
	var status int
	err := row.Scan(
		&task.ID, &batchID, &task.ConversationID, &task.ModelName, &task.Family,
		&status, &task.Prompt, &task.Files, &responseText, &errorMsg,
		&costTime, &task.RetryCount, &task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	if batchID != nil {
		task.BatchID = *batchID
	}
	if responseText != nil {
		task.ResponseText = *responseText
	}
	if errorMsg != nil {
		task.ErrorMsg = *errorMsg
	}
	if costTime != nil {
		task.CostTime = *costTime
	}
	return &task, nil
}
