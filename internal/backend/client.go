// Package backend talks to the downstream inference services. The wire
// contract is a synchronous OpenAI-style chat completion; everything else
// about the model is opaque to this system.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ChatMessage is one turn in the request payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the inference invocation payload.
type Request struct {
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []ChatMessage `json:"messages"`
	Files          []string      `json:"files,omitempty"`
}

// Response is the extracted inference result.
type Response struct {
	Text     string
	CostTime float64 // seconds
}

// Invoker executes one inference call against a node endpoint.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error)
}

// Client is the HTTP Invoker. The timeout is family-specific: short for
// direct-response families, minutes for reasoning-style ones.
type Client struct {
	client *http.Client
}

// NewClient creates a Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{client: &http.Client{Timeout: timeout}}
}

// chatCompletion mirrors the subset of the response body we consume.
type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	ctx, span := otel.Tracer("backend").Start(ctx, "backend.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.endpoint", endpoint),
		attribute.String("backend.model", req.Model),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference call failed")
		return nil, fmt.Errorf("inference call to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("inference backend returned status %d: %s", resp.StatusCode, truncate(raw, 200))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	out := &Response{CostTime: time.Since(start).Seconds()}

	var completion chatCompletion
	if err := json.Unmarshal(raw, &completion); err == nil && len(completion.Choices) > 0 {
		out.Text = completion.Choices[0].Message.Content
	} else {
		// Shape drift on the backend side; keep whatever came back.
		out.Text = string(raw)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
