// Package dispatcher turns one client request into a batch of per-model
// tasks and fans their messages out to the family streams. The store rows are
// the durable record; stream publishes that fail are swept up later by the
// reconciler, so a submit never half-fails from the client's point of view.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/internal/stream"
	"github.com/ramiqadoumi/go-model-relay/pkg/telemetry"
)

// SubmitRequest is one unified client request.
type SubmitRequest struct {
	Prompt         string
	Models         string // comma-separated model identifiers
	ConversationID string // optional; empty creates a new conversation
	Files          []string
}

// SubmitResult identifies everything the client needs to poll.
type SubmitResult struct {
	BatchID        string
	ConversationID string
	TaskIDs        []string
}

// Dispatcher owns conversation/batch/task creation and stream fan-out.
type Dispatcher struct {
	batches  postgres.BatchRepository
	convs    postgres.ConversationRepository
	producer stream.Producer
	routes   *domain.RoutingTable
	logger   *slog.Logger
}

// New constructs a Dispatcher. The routing table is fixed at construction so
// tests can inject their own rules.
func New(
	batches postgres.BatchRepository,
	convs postgres.ConversationRepository,
	producer stream.Producer,
	routes *domain.RoutingTable,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		batches:  batches,
		convs:    convs,
		producer: producer,
		routes:   routes,
		logger:   logger,
	}
}

// Submit resolves the conversation, creates the batch with one PENDING task
// per model, and appends one message per task to its family stream.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.submit")
	defer span.End()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	models := domain.SplitModels(req.Models)
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one model is required")
	}

	// Resolve every family up front so an unroutable model rejects the whole
	// request before any row exists.
	families := make([]string, len(models))
	for i, m := range models {
		family, err := d.routes.FamilyFor(m)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unroutable model")
			return nil, err
		}
		families[i] = family
	}

	conv, created, err := d.convs.GetOrCreate(ctx, req.ConversationID, domain.TitleFromPrompt(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	now := time.Now().UTC()
	batch := &domain.Batch{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Prompt:         req.Prompt,
		CreatedAt:      now,
	}
	span.SetAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.String("conversation.id", conv.ID),
		attribute.Int("batch.models", len(models)),
	)

	tasks := make([]*domain.Task, len(models))
	for i, m := range models {
		tasks[i] = &domain.Task{
			ID:             uuid.New().String(),
			BatchID:        batch.ID,
			ConversationID: conv.ID,
			ModelName:      m,
			Family:         families[i],
			Status:         domain.StatusPending,
			Prompt:         req.Prompt,
			Files:          req.Files,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		batch.TaskIDs = append(batch.TaskIDs, tasks[i].ID)
	}

	if err := d.batches.CreateWithTasks(ctx, batch, tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store create failed")
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if !created {
		if err := d.convs.Touch(ctx, conv.ID); err != nil {
			d.logger.Error("failed to touch conversation",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for i, task := range tasks {
		d.publish(ctx, task, families[i])
	}

	telemetry.DispatcherBatchesSubmitted.Inc()
	d.logger.Info("batch dispatched",
		slog.String("batch_id", batch.ID),
		slog.String("conversation_id", conv.ID),
		slog.Int("tasks", len(tasks)),
	)

	return &SubmitResult{
		BatchID:        batch.ID,
		ConversationID: conv.ID,
		TaskIDs:        batch.TaskIDs,
	}, nil
}

// publish appends the task's message to its family stream. A failed append is
// logged, not fatal: the task row is durable and the reconciler's pending
// sweep re-publishes it.
func (d *Dispatcher) publish(ctx context.Context, task *domain.Task, family string) {
	msg := &domain.TaskMessage{
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		BatchID:        task.BatchID,
		ModelName:      task.ModelName,
		Prompt:         task.Prompt,
		Files:          task.Files,
	}
	payload, err := msg.Encode()
	if err != nil {
		d.logger.Error("failed to encode task message",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		telemetry.DispatcherPublishFailures.WithLabelValues(family).Inc()
		return
	}

	if _, err := d.producer.Publish(ctx, family, payload); err != nil {
		d.logger.Error("stream publish failed, task stays pending for the sweep",
			slog.String("task_id", task.ID),
			slog.String("family", family),
			slog.String("error", err.Error()),
		)
		telemetry.DispatcherPublishFailures.WithLabelValues(family).Inc()
		return
	}
	telemetry.DispatcherTasksFannedOut.WithLabelValues(family).Inc()
}
