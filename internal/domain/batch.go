package domain

import "time"

// BatchStatus is derived from the statuses of the tasks a batch owns. It is
// never written by workers; readers compute it from task rows.
type BatchStatus string

const (
	BatchPending        BatchStatus = "PENDING"
	BatchProcessing     BatchStatus = "PROCESSING"
	BatchComplete       BatchStatus = "COMPLETE"
	BatchPartialFailure BatchStatus = "PARTIAL_FAILURE"
)

// Batch groups the tasks fanned out from a single client request. A batch is
// created even for a single model so the polling contract stays uniform.
type Batch struct {
	ID             string      `json:"batch_id"`
	ConversationID string      `json:"conversation_id"`
	Prompt         string      `json:"prompt"`
	Status         BatchStatus `json:"status"`
	TaskIDs        []string    `json:"task_ids"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ComputeBatchStatus derives the batch status from its task statuses:
// PENDING until any task starts, PROCESSING while any task is unresolved,
// COMPLETE iff all succeeded, PARTIAL_FAILURE iff all resolved and at least
// one failed.
func ComputeBatchStatus(statuses []Status) BatchStatus {
	if len(statuses) == 0 {
		return BatchPending
	}
	allPending := true
	allResolved := true
	anyFailed := false
	for _, s := range statuses {
		if s != StatusPending {
			allPending = false
		}
		if !s.IsTerminal() {
			allResolved = false
		}
		if s == StatusFailed {
			anyFailed = true
		}
	}
	switch {
	case allPending:
		return BatchPending
	case !allResolved:
		return BatchProcessing
	case anyFailed:
		return BatchPartialFailure
	default:
		return BatchComplete
	}
}
