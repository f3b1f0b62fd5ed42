package domain

import (
	"encoding/json"
	"fmt"
)

// TaskMessage is the stream wire schema. The durable record is the task row;
// the message carries just enough for a worker to locate and execute it.
type TaskMessage struct {
	TaskID         string   `json:"task_id"`
	ConversationID string   `json:"conversation_id"`
	BatchID        string   `json:"batch_id,omitempty"`
	ModelName      string   `json:"model_name"`
	Prompt         string   `json:"prompt"`
	Files          []string `json:"files,omitempty"`
}

// Encode serializes the message for the stream's payload field.
func (m *TaskMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode task message: %w", err)
	}
	return data, nil
}

// DecodeTaskMessage parses and validates a stream payload. Anything it
// rejects belongs in the dead-letter path, not back on the stream.
func DecodeTaskMessage(raw []byte) (*TaskMessage, error) {
	if len(raw) == 0 {
		return nil, &MalformedMessageError{Reason: "empty payload"}
	}
	var m TaskMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid JSON: " + err.Error()}
	}
	if m.TaskID == "" {
		return nil, &MalformedMessageError{Reason: "missing task_id"}
	}
	if m.ModelName == "" {
		return nil, &MalformedMessageError{Reason: "missing model_name"}
	}
	return &m, nil
}
