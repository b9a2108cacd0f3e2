package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExecutionInterrupted is matched by errors.Is for interrupted jobs.
	ErrExecutionInterrupted = errors.New("execution was interrupted")
	// ErrClientClosed is returned for work attempted after the client shut down.
	ErrClientClosed = errors.New("client closed")
)

// ResolutionError means no API path convention answered the probe.
// It is never fatal: the client falls back to the unprefixed convention.
type ResolutionError struct {
	BaseURL string
	Tried   []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not detect api prefix for %s (tried %s)", e.BaseURL, strings.Join(e.Tried, ", "))
}

// ConnectionError is a transport-level failure of the streaming channel.
// Only surfaced when a bounded reconnect policy gives up.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubmissionError is a job rejected at the HTTP boundary.
type SubmissionError struct {
	StatusCode int
	Type       string
	Message    string
	Details    string
	NodeErrors map[string]any
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Type != "" || e.Message != "":
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	case e.Err != nil:
		return fmt.Sprintf("invalid response from /prompt (HTTP %d): %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ExecutionError is a server-reported failure of an accepted job.
type ExecutionError struct {
	PromptID         PromptID
	NodeID           NodeID
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
}

func (e *ExecutionError) Error() string {
	msg := "error during execution"
	if e.NodeID != "" {
		msg += fmt.Sprintf(" in node %s", e.NodeID)
		if e.NodeType != "" {
			msg += fmt.Sprintf(" (%s)", e.NodeType)
		}
	}
	if e.ExceptionMessage != "" {
		if e.ExceptionType != "" {
			return fmt.Sprintf("%s: %s: %s", msg, e.ExceptionType, strings.TrimSpace(e.ExceptionMessage))
		}
		return fmt.Sprintf("%s: %s", msg, strings.TrimSpace(e.ExceptionMessage))
	}
	return msg
}

// ExecutionInterrupted is a job stopped on the server before finishing.
type ExecutionInterrupted struct {
	PromptID PromptID
	NodeID   NodeID
	NodeType string
}

func (e *ExecutionInterrupted) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s at node %s", ErrExecutionInterrupted, e.NodeID)
	}
	return ErrExecutionInterrupted.Error()
}

func (e *ExecutionInterrupted) Unwrap() error { return ErrExecutionInterrupted }

// UploadError is a failed background asset upload. It is logged, not
// returned: the filename was already handed out.
type UploadError struct {
	Filename   string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload %s failed: %v", e.Filename, e.Err)
	}
	return fmt.Sprintf("upload %s failed: HTTP %d", e.Filename, e.StatusCode)
}

func (e *UploadError) Unwrap() error { return e.Err }
