// Package worker is the per-family consumer engine. Each instance joins its
// family's consumer group, claims tasks through the store's conditional
// update, runs inference against a registry-assigned node, persists the
// result, and only then acknowledges the stream entry. The companion
// Reconciler in this package handles entries whose owner died mid-flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-model-relay/internal/backend"
	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/internal/registry"
	"github.com/ramiqadoumi/go-model-relay/internal/stream"
	"github.com/ramiqadoumi/go-model-relay/pkg/telemetry"
)

// Worker consumes one family stream and drives tasks to a terminal state.
type Worker struct {
	id          string
	family      string
	consumer    stream.Consumer
	tasks       postgres.TaskRepository
	convs       postgres.ConversationRepository
	deadLetters postgres.DeadLetterRepository
	sysLogs     postgres.SystemLogRepository
	registry    *registry.Registry
	invoker     backend.Invoker

	refusals     *backend.RefusalMatcher
	contextTurns int
	logger       *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithRefusalMatcher enables soft-refusal detection on backend responses.
func WithRefusalMatcher(m *backend.RefusalMatcher) Option {
	return func(w *Worker) { w.refusals = m }
}

// WithContextTurns caps how many past turns are replayed when a conversation
// moves to a node that has no session memory for it.
func WithContextTurns(n int) Option {
	return func(w *Worker) { w.contextTurns = n }
}

// WithSystemLog enables append-only failure records in the store.
func WithSystemLog(repo postgres.SystemLogRepository) Option {
	return func(w *Worker) { w.sysLogs = repo }
}

// NewWorker wires a consumer engine for one model family.
func NewWorker(
	id, family string,
	consumer stream.Consumer,
	tasks postgres.TaskRepository,
	convs postgres.ConversationRepository,
	deadLetters postgres.DeadLetterRepository,
	reg *registry.Registry,
	invoker backend.Invoker,
	opts ...Option,
) *Worker {
	w := &Worker{
		id:           id,
		family:       family,
		consumer:     consumer,
		tasks:        tasks,
		convs:        convs,
		deadLetters:  deadLetters,
		registry:     reg,
		invoker:      invoker,
		refusals:     backend.NewRefusalMatcher(nil),
		contextTurns: 20,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks consuming the family stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker consuming",
		slog.String("family", w.family),
		slog.String("consumer", w.id),
	)
	return w.consumer.Subscribe(ctx, w.handle)
}

// handle processes one stream entry end to end. A nil return means the entry
// reached a decision (acked or deliberately left pending for the lease); an
// error means a transient infrastructure failure and the entry stays pending
// for redelivery.
func (w *Worker) handle(ctx context.Context, msg stream.Message) error {
	m, err := domain.DecodeTaskMessage(msg.Payload())
	if err != nil {
		// Unparseable or incomplete: it can never succeed on retry.
		return w.deadLetter(ctx, msg, err)
	}

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", m.TaskID),
		attribute.String("task.family", w.family),
	)

	logger := w.logger.With(
		slog.String("task_id", m.TaskID),
		slog.String("entry_id", msg.ID),
	)

	won, err := w.tasks.Claim(ctx, m.TaskID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !won {
		return w.resolveLostClaim(ctx, msg, m, logger)
	}

	return w.execute(ctx, msg, m, logger)
}

// resolveLostClaim decides what a failed PENDING→PROCESSING transition means:
// a duplicate delivery of finished work (ack), a message with no task row
// behind it (dead letter), or a live owner working on it right now (leave
// pending, the lease arbitrates).
func (w *Worker) resolveLostClaim(ctx context.Context, msg stream.Message, m *domain.TaskMessage, logger *slog.Logger) error {
	task, err := w.tasks.GetByID(ctx, m.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return w.deadLetter(ctx, msg, notFound)
		}
		return fmt.Errorf("resolve lost claim: %w", err)
	}

	telemetry.WorkerClaimsLost.WithLabelValues(w.family).Inc()

	if task.Status.IsTerminal() {
		logger.Debug("duplicate delivery of finished task",
			slog.String("status", task.Status.String()))
		return w.ack(ctx, msg.ID)
	}

	// Someone else holds the claim. If they die, the entry outlives the
	// lease and the reconciler resets the row; acking here would lose it.
	logger.Debug("task claimed by another consumer, leaving entry pending")
	return nil
}

func (w *Worker) execute(ctx context.Context, msg stream.Message, m *domain.TaskMessage, logger *slog.Logger) error {
	telemetry.WorkerTasksInFlight.WithLabelValues(w.family).Inc()
	defer telemetry.WorkerTasksInFlight.WithLabelValues(w.family).Dec()

	acq, err := w.registry.Acquire(ctx, w.family, m.ConversationID)
	if err != nil {
		logger.Warn("no backend node available", slog.String("error", err.Error()))
		return w.fail(ctx, msg, m, "no backend node available: "+err.Error())
	}
	defer w.registry.Release(ctx, acq.Node.ID)

	messages, err := w.buildMessages(ctx, m, acq, logger)
	if err != nil {
		return err
	}

	resp, err := w.invoker.Invoke(ctx, acq.Node.Endpoint, &backend.Request{
		Model:          m.ModelName,
		ConversationID: m.ConversationID,
		Messages:       messages,
		Files:          m.Files,
	})
	if err != nil {
		logger.Warn("inference failed",
			slog.String("node_id", acq.Node.ID),
			slog.String("error", err.Error()),
		)
		return w.fail(ctx, msg, m, err.Error())
	}
	telemetry.WorkerInferenceDurationSeconds.WithLabelValues(w.family).Observe(resp.CostTime)

	if pattern, refused := w.refusals.Match(resp.Text); refused {
		telemetry.WorkerSoftRefusals.WithLabelValues(w.family).Inc()
		logger.Warn("soft refusal detected", slog.String("pattern", pattern))
		return w.fail(ctx, msg, m, (&domain.SoftRefusalError{Pattern: pattern}).Error())
	}

	if err := w.tasks.MarkSuccess(ctx, m.TaskID, resp.Text, resp.CostTime); err != nil {
		// Not acked: the entry outlives the lease and the reconciler resets
		// the PROCESSING row, so the task is retried rather than lost.
		return fmt.Errorf("persist result: %w", err)
	}
	if m.ConversationID != "" {
		if err := w.convs.Touch(ctx, m.ConversationID); err != nil {
			logger.Warn("touch conversation", slog.String("error", err.Error()))
		}
	}

	telemetry.WorkerTasksProcessed.WithLabelValues(w.family, domain.StatusSuccess.String()).Inc()
	logger.Info("task completed",
		slog.String("node_id", acq.Node.ID),
		slog.Float64("cost_time", resp.CostTime),
	)
	return w.ack(ctx, msg.ID)
}

// buildMessages assembles the chat payload. Normally just the current prompt:
// the sticky node holds the session server-side. When the assignment changed,
// the new node knows nothing, so the recent successful turns are replayed
// ahead of the prompt.
func (w *Worker) buildMessages(ctx context.Context, m *domain.TaskMessage, acq *registry.Acquisition, logger *slog.Logger) ([]backend.ChatMessage, error) {
	current := backend.ChatMessage{Role: "user", Content: m.Prompt}
	if !acq.Changed || m.ConversationID == "" {
		return []backend.ChatMessage{current}, nil
	}

	history, err := w.tasks.RecentSuccessful(ctx, m.ConversationID, w.contextTurns)
	if err != nil {
		return nil, fmt.Errorf("reload conversation context: %w", err)
	}

	telemetry.WorkerContextRebuilds.WithLabelValues(w.family).Inc()
	logger.Info("rebuilding conversation context",
		slog.String("node_id", acq.Node.ID),
		slog.Int("turns", len(history)),
	)

	messages := make([]backend.ChatMessage, 0, 2*len(history)+1)
	for _, t := range history {
		messages = append(messages,
			backend.ChatMessage{Role: "user", Content: t.Prompt},
			backend.ChatMessage{Role: "assistant", Content: t.ResponseText},
		)
	}
	return append(messages, current), nil
}

// fail marks the task FAILED, records the system log, and acks. FAILED is a
// terminal state here: resubmission is a client decision, not an engine one.
func (w *Worker) fail(ctx context.Context, msg stream.Message, m *domain.TaskMessage, reason string) error {
	if err := w.tasks.MarkFailed(ctx, m.TaskID, reason); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	w.systemLog(ctx, m.TaskID, reason)
	telemetry.WorkerTasksProcessed.WithLabelValues(w.family, domain.StatusFailed.String()).Inc()
	return w.ack(ctx, msg.ID)
}

// deadLetter moves an unprocessable message to the dead letter table and
// acks it. The write must land before the ack or the record is lost.
func (w *Worker) deadLetter(ctx context.Context, msg stream.Message, cause error) error {
	dl := &domain.DeadLetter{
		StreamID: msg.ID,
		Source:   w.id,
		RawBody:  string(msg.Payload()),
		Reason:   cause.Error(),
	}
	if err := w.deadLetters.Create(ctx, dl); err != nil {
		return fmt.Errorf("dead letter entry %s: %w", msg.ID, err)
	}

	telemetry.WorkerDeadLetters.WithLabelValues(w.family).Inc()
	w.logger.Warn("message dead-lettered",
		slog.String("entry_id", msg.ID),
		slog.String("reason", cause.Error()),
	)
	return w.ack(ctx, msg.ID)
}

func (w *Worker) systemLog(ctx context.Context, taskID, summary string) {
	if w.sysLogs == nil {
		return
	}
	entry := &domain.SystemLog{
		TaskID:  taskID,
		Source:  w.id,
		Summary: summary,
	}
	if err := w.sysLogs.Append(ctx, entry); err != nil {
		w.logger.Error("append system log",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) ack(ctx context.Context, entryID string) error {
	if err := w.consumer.Ack(ctx, entryID); err != nil {
		// The result is already durable; redelivery hits the terminal-state
		// path and acks again.
		return fmt.Errorf("ack after commit: %w", err)
	}
	return nil
}
