package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/internal/registry"
	"github.com/ramiqadoumi/go-model-relay/internal/stream"
	"github.com/ramiqadoumi/go-model-relay/services/dispatcher"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeProducer struct {
	mu        sync.Mutex
	published map[string]int
}

func (p *fakeProducer) Publish(_ context.Context, family string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string]int)
	}
	p.published[family]++
	return "1-0", nil
}
func (p *fakeProducer) Close() error { return nil }

var _ stream.Producer = (*fakeProducer)(nil)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	order   []string
	batches map[string]*domain.Batch
	convs   map[string]*domain.Conversation
	nodes   map[string]*domain.Node
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:   make(map[string]*domain.Task),
		batches: make(map[string]*domain.Batch),
		convs:   make(map[string]*domain.Conversation),
		nodes:   make(map[string]*domain.Node),
	}
}

// TaskRepository

func (s *fakeStore) Create(_ context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

func (s *fakeStore) Claim(_ context.Context, _ string) (bool, error) { return false, nil }
func (s *fakeStore) ResetStale(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}
func (s *fakeStore) MarkSuccess(_ context.Context, _, _ string, _ float64) error { return nil }
func (s *fakeStore) MarkFailed(_ context.Context, _, _ string) error             { return nil }
func (s *fakeStore) IncrementRetry(_ context.Context, _ string) error            { return nil }

func (s *fakeStore) ListByConversation(_ context.Context, conversationID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) RecentSuccessful(_ context.Context, _ string, _ int) ([]*domain.Task, error) {
	return nil, nil
}
func (s *fakeStore) ListStalePending(_ context.Context, _ time.Time, _ int) ([]*domain.Task, error) {
	return nil, nil
}

var _ postgres.TaskRepository = (*fakeStore)(nil)

// BatchRepository

type fakeBatchRepo struct{ store *fakeStore }

func (r *fakeBatchRepo) CreateWithTasks(ctx context.Context, batch *domain.Batch, tasks []*domain.Task) error {
	r.store.mu.Lock()
	r.store.batches[batch.ID] = batch
	r.store.mu.Unlock()
	for _, t := range tasks {
		if err := r.store.Create(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeBatchRepo) GetByID(_ context.Context, id string) (*domain.Batch, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	b, ok := r.store.batches[id]
	if !ok {
		return nil, &domain.BatchNotFoundError{BatchID: id}
	}
	return b, nil
}

func (r *fakeBatchRepo) Tasks(_ context.Context, batchID string) ([]*domain.Task, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Task
	for _, id := range r.store.order {
		if t := r.store.tasks[id]; t.BatchID == batchID {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ postgres.BatchRepository = (*fakeBatchRepo)(nil)

// ConversationRepository

type fakeConvRepo struct{ store *fakeStore }

func (r *fakeConvRepo) GetOrCreate(_ context.Context, id, title string) (*domain.Conversation, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if id != "" {
		if c, ok := r.store.convs[id]; ok {
			return c, false, nil
		}
	}
	if id == "" {
		id = "conv-generated"
	}
	c := &domain.Conversation{ID: id, Title: title, CreatedAt: time.Now().UTC()}
	r.store.convs[id] = c
	return c, true, nil
}

func (r *fakeConvRepo) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.convs[id]
	if !ok {
		return nil, &domain.ConversationNotFoundError{ConversationID: id}
	}
	return c, nil
}

func (r *fakeConvRepo) Touch(_ context.Context, _ string) error { return nil }

func (r *fakeConvRepo) ListRecent(_ context.Context, _ int) ([]*domain.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range r.store.convs {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeConvRepo) SetStickyNode(_ context.Context, _, _ string) error { return nil }

var _ postgres.ConversationRepository = (*fakeConvRepo)(nil)

// NodeRepository

type fakeNodeRepo struct{ store *fakeStore }

func (r *fakeNodeRepo) Heartbeat(_ context.Context, node *domain.Node) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.nodes[node.ID] = node
	return nil
}

func (r *fakeNodeRepo) GetByID(_ context.Context, id string) (*domain.Node, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n, ok := r.store.nodes[id]
	if !ok {
		return nil, &domain.NodeNotFoundError{NodeID: id}
	}
	return n, nil
}

func (r *fakeNodeRepo) ListAlive(_ context.Context, family string, aliveAfter time.Time) ([]*domain.Node, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Node
	for _, n := range r.store.nodes {
		if n.Family == family && n.LastHeartbeat.After(aliveAfter) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeNodeRepo) ClaimCapacity(_ context.Context, _ string) (bool, error) { return true, nil }
func (r *fakeNodeRepo) Release(_ context.Context, _ string) error               { return nil }

var _ postgres.NodeRepository = (*fakeNodeRepo)(nil)

// ── harness ──────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T) (*fakeStore, *fakeProducer, http.Handler) {
	t.Helper()
	store := newFakeStore()
	producer := &fakeProducer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	convs := &fakeConvRepo{store: store}
	nodes := &fakeNodeRepo{store: store}

	routes := domain.NewRoutingTable(domain.DefaultRoutingRules(), "")
	disp := dispatcher.New(&fakeBatchRepo{store: store}, convs, producer, routes, logger)
	reg := registry.New(nodes, convs, registry.WithLogger(logger))

	h := NewREST(disp, store, &fakeBatchRepo{store: store}, convs, reg, nil, logger)

	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.Submit)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/history", h.GetHistory)
		r.Post("/nodes/heartbeat", h.NodeHeartbeat)
		r.Get("/nodes", h.ListNodes)
	})
	return store, producer, r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSubmit_FansOutPerModel(t *testing.T) {
	store, producer, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat/completions",
		`{"prompt":"ping","models":"qwen-max,deepseek-r1,stable-diffusion-xl"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BatchID)
	assert.NotEmpty(t, resp.ConversationID)
	assert.Len(t, resp.TaskIDs, 3)

	assert.Equal(t, 2, producer.published["llm"])
	assert.Equal(t, 1, producer.published["sd"])
	assert.Len(t, store.tasks, 3)
}

func TestSubmit_Validation(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat/completions", `{"models":"qwen-max"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "prompt")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/completions", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "models")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/completions", `{"prompt":"hi","models":"mystery-9000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "mystery-9000")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/completions", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	store, _, h := newTestServer(t)
	now := time.Now().UTC()
	store.Create(context.Background(), &domain.Task{
		ID: "task-1", ConversationID: "c1", ModelName: "qwen-max", Family: "llm",
		Status: domain.StatusSuccess, ResponseText: "pong", CostTime: 1.5,
		CreatedAt: now, UpdatedAt: now, CompletedAt: &now,
	})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/tasks/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Status)
	assert.Equal(t, "SUCCESS", resp.StatusText)
	assert.Equal(t, "pong", resp.ResponseText)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tasks/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBatch_DerivesStatus(t *testing.T) {
	store, _, h := newTestServer(t)
	ctx := context.Background()
	store.batches["b1"] = &domain.Batch{ID: "b1", ConversationID: "c1", CreatedAt: time.Now().UTC()}
	store.Create(ctx, &domain.Task{ID: "t1", BatchID: "b1", Status: domain.StatusSuccess})
	store.Create(ctx, &domain.Task{ID: "t2", BatchID: "b1", Status: domain.StatusProcessing})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/batches/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PROCESSING", resp.Status, "one unresolved task keeps the batch in flight")
	assert.Len(t, resp.Tasks, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/batches/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistory_RendersPlaceholders(t *testing.T) {
	store, _, h := newTestServer(t)
	ctx := context.Background()
	store.convs["c1"] = &domain.Conversation{ID: "c1", Title: "hello..."}
	store.Create(ctx, &domain.Task{
		ID: "t1", ConversationID: "c1", ModelName: "qwen-max",
		Status: domain.StatusSuccess, Prompt: "hello", ResponseText: "hi there",
	})
	store.Create(ctx, &domain.Task{
		ID: "t2", ConversationID: "c1", ModelName: "qwen-max",
		Status: domain.StatusProcessing, Prompt: "and again",
	})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/conversations/c1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Turns, 4)
	assert.Equal(t, "hello", resp.Turns[0].Content)
	assert.Equal(t, "hi there", resp.Turns[1].Content)
	assert.False(t, resp.Turns[1].Pending)
	assert.True(t, resp.Turns[3].Pending, "unresolved task must render as a loading placeholder")
	assert.Empty(t, resp.Turns[3].Content)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/conversations/ghost/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNodeHeartbeatAndListing(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/nodes/heartbeat",
		`{"node_id":"gpu-1","model_family":"llm","endpoint":"http://gpu-1:8000/v1/chat/completions"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/nodes?family=llm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpu-1")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/nodes?family=sd", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "gpu-1")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/nodes/heartbeat", `{"node_id":"gpu-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/nodes", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	_, _, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
