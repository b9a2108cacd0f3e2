package ports

import (
	"context"
	"io"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// Inference abstracts the inference server session (ComfyUI, or anything
// that speaks its protocol).
type Inference interface {
	// Run submits job and blocks until its outputs are assembled.
	// onSubmitted, if set, runs on the caller's goroutine once the server
	// has accepted the job.
	Run(ctx context.Context, job domain.Job, onSubmitted func(domain.PromptID), onProgress func(domain.Progress)) ([]domain.OutputAsset, error)

	// Upload queues an input asset and returns the name to reference it by.
	Upload(data []byte, ext string) string

	// PendingUploads returns the number of uploads still in flight.
	PendingUploads() int

	// Fetch returns the bytes and content type of an output asset.
	Fetch(ctx context.Context, asset domain.OutputAsset) ([]byte, string, error)

	// State returns the streaming connection state.
	State() domain.ConnState
}

// RunRepository abstracts the persistent run journal (DuckDB)
type RunRepository interface {
	// SaveRun inserts or replaces the run.
	SaveRun(ctx context.Context, run domain.Run) error

	// GetRun retrieves a run by ID. Returns domain.ErrRunNotFound if absent.
	GetRun(ctx context.Context, id domain.RunID) (domain.Run, error)

	// ListRuns returns the most recent runs first, at most limit of them.
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// AssetSink stores output assets outside the inference server.
type AssetSink interface {
	// Put stores body under key and returns where it ended up.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}
