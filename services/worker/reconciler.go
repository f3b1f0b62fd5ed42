package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/stream"
	"github.com/ramiqadoumi/go-model-relay/pkg/telemetry"
)

// Reconciler recovers work lost to consumer crashes. It runs next to the
// Worker in every instance: each cycle it claims pending entries whose idle
// time exceeds the lease, finalizes the already-terminal ones, resets the
// abandoned PROCESSING rows, and feeds the rest back through the normal
// claim path. A leader-elected sweep additionally re-publishes PENDING rows
// whose original publish never reached the stream.
type Reconciler struct {
	worker   *Worker
	pending  stream.PendingInspector
	producer stream.Producer
	elector  *leaderElector

	lease         time.Duration
	interval      time.Duration
	sweepAfter    time.Duration
	maxPendingAge time.Duration // 0 disables age-based discard
	batchSize     int64
	logger        *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLease sets how long a pending entry may sit idle before it
// is considered abandoned.
func WithReconcilerLease(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.lease = d }
}

// WithInterval sets the cycle period.
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithSweepAfter sets the age beyond which a PENDING row with no stream
// delivery is treated as never published.
func WithSweepAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.sweepAfter = d }
}

// WithMaxPendingAge discards entries older than d instead of retrying them.
func WithMaxPendingAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.maxPendingAge = d }
}

// WithReconcilerLogger sets the structured logger for the recovery loop.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler builds the recovery loop for one family. redisClient may be
// nil, in which case the orphan sweep runs unconditionally instead of behind
// leader election.
func NewReconciler(
	w *Worker,
	pending stream.PendingInspector,
	producer stream.Producer,
	redisClient *redis.Client,
	opts ...ReconcilerOption,
) *Reconciler {
	r := &Reconciler{
		worker:     w,
		pending:    pending,
		producer:   producer,
		lease:      60 * time.Second,
		interval:   30 * time.Second,
		sweepAfter: 5 * time.Minute,
		batchSize:  100,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if redisClient != nil {
		r.elector = &leaderElector{
			client:     redisClient,
			key:        "reconciler:leader:" + w.family,
			ttl:        2 * r.interval,
			instanceID: w.id,
			logger:     r.logger,
		}
	}
	return r
}

// Run reconciles once at startup, then on every tick until ctx is cancelled.
// The startup pass matters: a restarted deployment must recover its own
// previous incarnation's pending entries before taking new work.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	if err := r.recoverPending(ctx); err != nil {
		r.logger.Error("recover pending entries", slog.String("error", err.Error()))
	}
	if r.elector == nil || r.elector.leader(ctx) {
		if err := r.sweepOrphans(ctx); err != nil {
			r.logger.Error("sweep orphaned tasks", slog.String("error", err.Error()))
		}
	}
}

// recoverPending claims entries idle past the lease and drives each to a
// decision.
func (r *Reconciler) recoverPending(ctx context.Context) error {
	entries, err := r.pending.Pending(ctx, r.lease, r.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	// Entries whose owner acked or touched them since the XPENDING snapshot
	// fall below the idle threshold again and are excluded here.
	msgs, err := r.pending.Claim(ctx, r.worker.id, r.lease, ids)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := r.recoverEntry(ctx, msg); err != nil {
			r.logger.Error("recover entry failed, will retry next cycle",
				slog.String("entry_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *Reconciler) recoverEntry(ctx context.Context, msg stream.Message) error {
	w := r.worker

	m, err := domain.DecodeTaskMessage(msg.Payload())
	if err != nil {
		return w.deadLetter(ctx, msg, err)
	}

	if r.maxPendingAge > 0 && time.Since(entryTime(msg.ID)) > r.maxPendingAge {
		return r.expire(ctx, msg, m)
	}

	task, err := w.tasks.GetByID(ctx, m.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return w.deadLetter(ctx, msg, notFound)
		}
		return err
	}

	// The previous owner finished the work but died before the ack.
	if task.Status.IsTerminal() {
		telemetry.ReconcilerFinalized.WithLabelValues(w.family).Inc()
		r.logger.Info("finalizing completed entry",
			slog.String("task_id", task.ID),
			slog.String("status", task.Status.String()),
		)
		return w.ack(ctx, msg.ID)
	}

	// The previous owner died mid-execution. Reset the row so the claim can
	// be won again; a recent update means the owner is alive after all.
	if task.Status == domain.StatusProcessing {
		reset, err := w.tasks.ResetStale(ctx, task.ID, time.Now().UTC().Add(-r.lease))
		if err != nil {
			return err
		}
		if !reset {
			r.logger.Debug("processing row recently updated, owner presumed alive",
				slog.String("task_id", task.ID))
			return nil
		}
	}

	telemetry.ReconcilerReclaimed.WithLabelValues(w.family).Inc()
	return w.handle(ctx, msg)
}

// expire fails a task whose entry outlived the retention window. Leaving it
// retrying forever would starve fresh work behind a poison conversation.
func (r *Reconciler) expire(ctx context.Context, msg stream.Message, m *domain.TaskMessage) error {
	task, err := r.worker.tasks.GetByID(ctx, m.TaskID)
	if err == nil && task.Status.IsTerminal() {
		return r.worker.ack(ctx, msg.ID)
	}
	r.logger.Warn("discarding entry past max pending age",
		slog.String("task_id", m.TaskID),
		slog.String("entry_id", msg.ID),
	)
	return r.worker.fail(ctx, msg, m, "abandoned: exceeded max pending age")
}

// sweepOrphans re-publishes PENDING rows old enough that their original
// stream append evidently never happened (dispatcher crash between the
// insert and the publish). Re-publishing a merely backlogged task is
// harmless: the claim is won exactly once either way.
func (r *Reconciler) sweepOrphans(ctx context.Context) error {
	w := r.worker
	stale, err := w.tasks.ListStalePending(ctx, time.Now().UTC().Add(-r.sweepAfter), int(r.batchSize))
	if err != nil {
		return err
	}

	for _, task := range stale {
		if task.Family != w.family {
			continue
		}
		m := &domain.TaskMessage{
			TaskID:         task.ID,
			ConversationID: task.ConversationID,
			BatchID:        task.BatchID,
			ModelName:      task.ModelName,
			Prompt:         task.Prompt,
			Files:          task.Files,
		}
		payload, err := m.Encode()
		if err != nil {
			r.logger.Error("encode orphan task", slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}
		if _, err := r.producer.Publish(ctx, task.Family, payload); err != nil {
			r.logger.Error("republish orphan task", slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := w.tasks.IncrementRetry(ctx, task.ID); err != nil {
			r.logger.Error("increment retry", slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
		}
		telemetry.ReconcilerResubmitted.WithLabelValues(w.family).Inc()
		r.logger.Info("re-published orphaned task",
			slog.String("task_id", task.ID),
			slog.Int("retry_count", task.RetryCount+1),
		)
	}
	return nil
}

// entryTime extracts the creation time encoded in a stream entry ID
// ("<unix-ms>-<seq>"). A malformed ID yields the zero time, which never
// trips the age check.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// leaderElector gates the orphan sweep to one instance per family so stale
// tasks are not re-published N times by N workers.
type leaderElector struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	instanceID string
	logger     *slog.Logger
}

func (e *leaderElector) leader(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		e.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		e.logger.Info("acquired reconciler leadership", slog.String("instance_id", e.instanceID))
		return true
	}

	// Renew only if we own the key; the Lua script keeps check-and-expire atomic.
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(ctx, e.client, []string{e.key}, e.instanceID, e.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
