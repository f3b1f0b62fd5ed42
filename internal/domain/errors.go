package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist in the store.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// BatchNotFoundError is returned when a batch ID does not exist.
type BatchNotFoundError struct {
	BatchID string
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch not found: %s", e.BatchID)
}

// ConversationNotFoundError is returned when a conversation ID does not exist.
type ConversationNotFoundError struct {
	ConversationID string
}

func (e *ConversationNotFoundError) Error() string {
	return fmt.Sprintf("conversation not found: %s", e.ConversationID)
}

// UnroutableModelError is returned when no routing rule matches a model
// identifier and no default family is configured.
type UnroutableModelError struct {
	ModelName string
}

func (e *UnroutableModelError) Error() string {
	return fmt.Sprintf("no model family matches %q", e.ModelName)
}

// MalformedMessageError is returned when a stream payload cannot be parsed
// into a valid task reference. Messages failing this way are dead-lettered.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed stream message: %s", e.Reason)
}

// TaskAlreadyProcessedError is returned when a re-delivered task is already
// in a terminal state. Callers acknowledge and move on.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
}

// NodeNotFoundError is returned when a node ID is not registered.
type NodeNotFoundError struct {
	NodeID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node not found: %s", e.NodeID)
}

// NoAliveNodeError is returned when a family has no node with a valid lease.
type NoAliveNodeError struct {
	Family string
}

func (e *NoAliveNodeError) Error() string {
	return fmt.Sprintf("no alive backend node for family %q", e.Family)
}

// SoftRefusalError is returned when the backend answered successfully but the
// content matched a configured refusal pattern. Kept distinct from transport
// failures so refusal text never enters conversation history.
type SoftRefusalError struct {
	Pattern string
}

func (e *SoftRefusalError) Error() string {
	return fmt.Sprintf("backend response matched refusal pattern %q", e.Pattern)
}
