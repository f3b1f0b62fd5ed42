//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-model-relay/internal/backend"
	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/internal/registry"
	"github.com/ramiqadoumi/go-model-relay/internal/stream"
	"github.com/ramiqadoumi/go-model-relay/services/dispatcher"
	"github.com/ramiqadoumi/go-model-relay/services/worker"
)

// fakeBackend is an OpenAI-style chat completion endpoint that answers "pong".
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "pong"}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForStatus(t *testing.T, tasks postgres.TaskRepository, taskID string, want domain.Status, timeout time.Duration) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := tasks.GetByID(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

// TestE2E_SubmitToCompletion drives the full pipeline against real
// infrastructure: dispatcher fan-out → stream → worker claim → inference →
// persisted result → acked entry.
func TestE2E_SubmitToCompletion(t *testing.T) {
	ctx := context.Background()
	family := uniqueFamily("e2e")

	client := stream.NewClient(testRedisAddr)
	t.Cleanup(func() { client.Close() }) //nolint:errcheck

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	tasks := postgres.NewTaskRepository(pool)
	batches := postgres.NewBatchRepository(pool)
	convs := postgres.NewConversationRepository(pool)
	nodes := postgres.NewNodeRepository(pool)
	deadLetters := postgres.NewDeadLetterRepository(pool)

	// One alive inference node backing the family.
	srv := fakeBackend(t)
	require.NoError(t, nodes.Heartbeat(ctx, &domain.Node{
		ID: "e2e-node-" + family, Family: family, Endpoint: srv.URL,
		LastHeartbeat: time.Now().UTC(),
	}))

	producer := stream.NewProducer(client, 1000)
	routes := domain.NewRoutingTable([]domain.RoutingRule{{Match: "qwen", Family: family}}, "")
	disp := dispatcher.New(batches, convs, producer, routes, quietLogger())

	reg := registry.New(nodes, convs, registry.WithLogger(quietLogger()))
	consumer := stream.NewConsumer(client, family, "e2e-worker-1", quietLogger())
	w := worker.NewWorker("e2e-worker-1", family, consumer, tasks, convs, deadLetters,
		reg, backend.NewClient(10*time.Second),
		worker.WithLogger(quietLogger()),
	)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go w.Run(runCtx) //nolint:errcheck

	result, err := disp.Submit(ctx, &dispatcher.SubmitRequest{
		Prompt: "ping",
		Models: "qwen-max",
	})
	require.NoError(t, err)
	require.Len(t, result.TaskIDs, 1)

	task := waitForStatus(t, tasks, result.TaskIDs[0], domain.StatusSuccess, 20*time.Second)
	assert.Equal(t, "pong", task.ResponseText)
	assert.NotNil(t, task.CompletedAt)
	assert.Greater(t, task.CostTime, 0.0)

	// The entry must be acked once the result is durable.
	require.Eventually(t, func() bool {
		pending, err := stream.NewPendingInspector(client, family).Pending(ctx, 0, 10)
		return err == nil && len(pending) == 0
	}, 10*time.Second, 200*time.Millisecond, "pending list should drain after the ack")

	// The conversation transcript is derived from the task rows.
	conv, err := convs.GetByID(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "ping", conv.Title)
}

// TestE2E_ReconcilerRecoversAbandonedTask simulates a worker crash between
// claim and result: the reconciler must reset the row, replay the entry, and
// drive it to SUCCESS.
func TestE2E_ReconcilerRecoversAbandonedTask(t *testing.T) {
	ctx := context.Background()
	family := uniqueFamily("recover")

	client := stream.NewClient(testRedisAddr)
	t.Cleanup(func() { client.Close() }) //nolint:errcheck

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	tasks := postgres.NewTaskRepository(pool)
	convs := postgres.NewConversationRepository(pool)
	nodes := postgres.NewNodeRepository(pool)
	deadLetters := postgres.NewDeadLetterRepository(pool)

	srv := fakeBackend(t)
	require.NoError(t, nodes.Heartbeat(ctx, &domain.Node{
		ID: "recover-node-" + family, Family: family, Endpoint: srv.URL,
		LastHeartbeat: time.Now().UTC(),
	}))

	conv, _, err := convs.GetOrCreate(ctx, "", "recovery test")
	require.NoError(t, err)

	task := &domain.Task{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		ModelName:      "qwen-max",
		Family:         family,
		Status:         domain.StatusPending,
		Prompt:         "ping",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, tasks.Create(ctx, task))

	producer := stream.NewProducer(client, 1000)
	payload, err := (&domain.TaskMessage{
		TaskID:         task.ID,
		ConversationID: conv.ID,
		ModelName:      task.ModelName,
		Prompt:         task.Prompt,
	}).Encode()
	require.NoError(t, err)
	_, err = producer.Publish(ctx, family, payload)
	require.NoError(t, err)

	// A consumer claims the entry and the task row, then dies without acking.
	deadConsumer := stream.NewConsumer(client, family, "doomed-worker", quietLogger())
	subCtx, subCancel := context.WithTimeout(ctx, 10*time.Second)
	err = deadConsumer.Subscribe(subCtx, func(ctx context.Context, msg stream.Message) error {
		won, err := tasks.Claim(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, won)
		subCancel()
		return nil // no ack: the crash window
	})
	require.NoError(t, err)
	subCancel()

	// Let the entry idle past the lease.
	const lease = 500 * time.Millisecond
	time.Sleep(2 * lease)

	reg := registry.New(nodes, convs, registry.WithLogger(quietLogger()))
	consumer := stream.NewConsumer(client, family, "rescue-worker", quietLogger())
	w := worker.NewWorker("rescue-worker", family, consumer, tasks, convs, deadLetters,
		reg, backend.NewClient(10*time.Second),
		worker.WithLogger(quietLogger()),
	)
	rec := worker.NewReconciler(w,
		stream.NewPendingInspector(client, family),
		producer, client,
		worker.WithReconcilerLease(lease),
		worker.WithInterval(time.Second),
		worker.WithReconcilerLogger(quietLogger()),
	)

	recCtx, recCancel := context.WithTimeout(ctx, 20*time.Second)
	defer recCancel()
	go rec.Run(recCtx)

	got := waitForStatus(t, tasks, task.ID, domain.StatusSuccess, 15*time.Second)
	assert.Equal(t, "pong", got.ResponseText)

	require.Eventually(t, func() bool {
		pending, err := stream.NewPendingInspector(client, family).Pending(ctx, 0, 10)
		return err == nil && len(pending) == 0
	}, 10*time.Second, 200*time.Millisecond)
}
