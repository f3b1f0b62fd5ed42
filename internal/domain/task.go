package domain

import "time"

// Status is the lifecycle state of a Task, encoded as a small integer so the
// stored value matches the HTTP response contract directly.
type Status int

const (
	StatusPending    Status = 0
	StatusSuccess    Status = 1
	StatusFailed     Status = 2
	StatusProcessing Status = 3
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// Task is one model invocation. The task ID doubles as the idempotency key:
// the only legal transitions are PENDING→PROCESSING→{SUCCESS,FAILED}, and the
// PENDING→PROCESSING edge is won with a single conditional update.
type Task struct {
	ID             string     `json:"task_id"`
	BatchID        string     `json:"batch_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	ModelName      string     `json:"model_name"`
	Family         string     `json:"family"`
	Status         Status     `json:"status"`
	Prompt         string     `json:"prompt"`
	Files          []string   `json:"files,omitempty"`
	ResponseText   string     `json:"response_text,omitempty"`
	ErrorMsg       string     `json:"error_msg,omitempty"`
	CostTime       float64    `json:"cost_time,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// SystemLog is an append-only failure record. Observability only; nothing
// reads it back for correctness.
type SystemLog struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Source    string    `json:"source"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter is a message that could not be mapped to a valid task. Terminal;
// replay requires operator intervention.
type DeadLetter struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	Source    string    `json:"source"`
	RawBody   string    `json:"raw_body"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
