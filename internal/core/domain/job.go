package domain

import (
	"errors"
	"time"
)

// Job is a workflow graph as the inference server expects it: node id -> node
// descriptor. It is forwarded verbatim; only JSON-serializability matters.
type Job map[string]any

// PromptID is the server-issued identifier of a submitted job.
type PromptID string

// RunID identifies a run in the local journal.
type RunID string

type RunStatus string

const (
	RunStatusPending   RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is the journal record of one submitted job.
type Run struct {
	ID          RunID         `json:"id"`
	PromptID    PromptID      `json:"prompt_id,omitempty"`
	Status      RunStatus     `json:"status"`
	Workflow    Job           `json:"workflow"`
	Outputs     []OutputAsset `json:"outputs"`
	Error       *string       `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrEmptyWorkflow = errors.New("workflow is empty")
)
