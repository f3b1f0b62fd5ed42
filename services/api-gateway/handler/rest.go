package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
	"github.com/ramiqadoumi/go-model-relay/internal/postgres"
	"github.com/ramiqadoumi/go-model-relay/internal/registry"
	"github.com/ramiqadoumi/go-model-relay/services/dispatcher"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	dispatcher *dispatcher.Dispatcher
	tasks      postgres.TaskRepository
	batches    postgres.BatchRepository
	convs      postgres.ConversationRepository
	registry   *registry.Registry
	redis      *redis.Client
	logger     *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	d *dispatcher.Dispatcher,
	tasks postgres.TaskRepository,
	batches postgres.BatchRepository,
	convs postgres.ConversationRepository,
	reg *registry.Registry,
	redisClient *redis.Client,
	logger *slog.Logger,
) *REST {
	return &REST{
		dispatcher: d,
		tasks:      tasks,
		batches:    batches,
		convs:      convs,
		registry:   reg,
		redis:      redisClient,
		logger:     logger,
	}
}

// SubmitRequest is the JSON body for POST /api/v1/chat/completions.
type SubmitRequest struct {
	Prompt         string   `json:"prompt"`
	Models         string   `json:"models"` // comma-separated, fans out one task each
	ConversationID string   `json:"conversation_id,omitempty"`
	Files          []string `json:"files,omitempty"`
}

// SubmitResponse is the 202 response body. Results arrive by polling the
// batch or the individual tasks.
type SubmitResponse struct {
	BatchID        string   `json:"batch_id"`
	ConversationID string   `json:"conversation_id"`
	TaskIDs        []string `json:"task_ids"`
}

// TaskResponse is the task poll body.
type TaskResponse struct {
	TaskID       string     `json:"task_id"`
	BatchID      string     `json:"batch_id,omitempty"`
	ModelName    string     `json:"model_name"`
	Status       int        `json:"status"`
	StatusText   string     `json:"status_text"`
	ResponseText string     `json:"response_text,omitempty"`
	ErrorMsg     string     `json:"error_msg,omitempty"`
	CostTime     float64    `json:"cost_time,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// BatchResponse aggregates a fan-out request: overall status is derived from
// the task statuses on every read, never stored.
type BatchResponse struct {
	BatchID        string         `json:"batch_id"`
	ConversationID string         `json:"conversation_id"`
	Status         string         `json:"status"`
	Tasks          []TaskResponse `json:"tasks"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Submit handles POST /api/v1/chat/completions.
func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit")
	defer span.End()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "field 'prompt' is required")
		return
	}
	if strings.TrimSpace(req.Models) == "" {
		writeError(w, http.StatusBadRequest, "field 'models' is required")
		return
	}

	result, err := h.dispatcher.Submit(ctx, &dispatcher.SubmitRequest{
		Prompt:         req.Prompt,
		Models:         req.Models,
		ConversationID: req.ConversationID,
		Files:          req.Files,
	})
	if err != nil {
		var unroutable *domain.UnroutableModelError
		if errors.As(err, &unroutable) {
			writeError(w, http.StatusBadRequest, unroutable.Error())
			return
		}
		span.RecordError(err)
		h.logger.Error("submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to dispatch request")
		return
	}

	span.SetAttributes(
		attribute.String("batch.id", result.BatchID),
		attribute.Int("batch.tasks", len(result.TaskIDs)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponse{
		BatchID:        result.BatchID,
		ConversationID: result.ConversationID,
		TaskIDs:        result.TaskIDs,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskResponse(task))
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *REST) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch ID is required")
		return
	}
	ctx := r.Context()

	batch, err := h.batches.GetByID(ctx, batchID)
	if err != nil {
		var notFound *domain.BatchNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}

	tasks, err := h.batches.Tasks(ctx, batchID)
	if err != nil {
		h.logger.Error("get batch tasks", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}

	resp := BatchResponse{
		BatchID:        batch.ID,
		ConversationID: batch.ConversationID,
		CreatedAt:      batch.CreatedAt,
		Tasks:          make([]TaskResponse, 0, len(tasks)),
	}
	statuses := make([]domain.Status, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, t.Status)
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	resp.Status = string(domain.ComputeBatchStatus(statuses))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ConversationSummary is one row of the conversation listing.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// ListConversations handles GET /api/v1/conversations.
func (h *REST) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.convs.ListRecent(r.Context(), 100)
	if err != nil {
		h.logger.Error("list conversations", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			ConversationID: c.ID,
			Title:          c.Title,
			CreatedAt:      c.CreatedAt,
			LastActiveAt:   c.LastActiveAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"conversations": out})
}

// HistoryResponse is the reconstructed conversation transcript.
type HistoryResponse struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Turns          []domain.Turn `json:"turns"`
}

// GetHistory handles GET /api/v1/conversations/{id}/history. Turns are
// derived from the task rows: each task contributes a user turn and an
// assistant turn, with unresolved tasks rendered as loading placeholders.
func (h *REST) GetHistory(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "conversation ID is required")
		return
	}
	ctx := r.Context()

	conv, err := h.convs.GetByID(ctx, convID)
	if err != nil {
		var notFound *domain.ConversationNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("get conversation", slog.String("conversation_id", convID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve conversation")
		return
	}

	tasks, err := h.tasks.ListByConversation(ctx, convID)
	if err != nil {
		h.logger.Error("list conversation tasks", slog.String("conversation_id", convID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}

	resp := HistoryResponse{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Turns:          make([]domain.Turn, 0, 2*len(tasks)),
	}
	for _, t := range tasks {
		resp.Turns = append(resp.Turns, domain.Turn{
			Role:    "user",
			Content: t.Prompt,
			Files:   t.Files,
		})
		resp.Turns = append(resp.Turns, assistantTurn(t))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// assistantTurn renders a task's answer slot: the response once it succeeded,
// the error once it failed, a loading placeholder until then.
func assistantTurn(t *domain.Task) domain.Turn {
	turn := domain.Turn{Role: "assistant", ModelName: t.ModelName}
	switch t.Status {
	case domain.StatusSuccess:
		turn.Content = t.ResponseText
	case domain.StatusFailed:
		turn.Content = t.ErrorMsg
	default:
		turn.Pending = true
	}
	return turn
}

// HeartbeatRequest registers or refreshes an inference node.
type HeartbeatRequest struct {
	NodeID   string `json:"node_id"`
	Family   string `json:"model_family"`
	Endpoint string `json:"endpoint"`
}

// NodeHeartbeat handles POST /api/v1/nodes/heartbeat. Nodes call this
// periodically; missing two lease windows marks them dead without any
// explicit deregistration.
func (h *REST) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" || req.Family == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "fields 'node_id', 'model_family' and 'endpoint' are required")
		return
	}

	err := h.registry.Heartbeat(r.Context(), &domain.Node{
		ID:            req.NodeID,
		Family:        req.Family,
		Endpoint:      req.Endpoint,
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("node heartbeat", slog.String("node_id", req.NodeID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListNodes handles GET /api/v1/nodes?family=llm.
func (h *REST) ListNodes(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	if family == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'family' is required")
		return
	}

	nodes, err := h.registry.ListAlive(r.Context(), family)
	if err != nil {
		h.logger.Error("list nodes", slog.String("family", family), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"nodes": nodes})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks stream connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.redis.Ping(ctx).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "stream not ready")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func taskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:       t.ID,
		BatchID:      t.BatchID,
		ModelName:    t.ModelName,
		Status:       int(t.Status),
		StatusText:   t.Status.String(),
		ResponseText: t.ResponseText,
		ErrorMsg:     t.ErrorMsg,
		CostTime:     t.CostTime,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
