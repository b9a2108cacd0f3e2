package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/ports"
)

// archiveParallelism bounds concurrent asset copies per run.
const archiveParallelism = 4

// RunService drives runs through the inference client: journal, schedule,
// execute, archive outputs and publish events along the way.
type RunService struct {
	logger    *slog.Logger
	inference ports.Inference
	repo      ports.RunRepository
	sink      ports.AssetSink // optional; nil-safe
	eventBus  *EventBus
	scheduler *JobScheduler

	mu      sync.Mutex
	cancels map[domain.RunID]context.CancelFunc
}

func NewRunService(logger *slog.Logger, inference ports.Inference, repo ports.RunRepository, sink ports.AssetSink, eventBus *EventBus, scheduler *JobScheduler) *RunService {
	return &RunService{
		logger:    logger,
		inference: inference,
		repo:      repo,
		sink:      sink,
		eventBus:  eventBus,
		scheduler: scheduler,
		cancels:   make(map[domain.RunID]context.CancelFunc),
	}
}

// Start begins consuming scheduled runs until ctx is done.
func (s *RunService) Start(ctx context.Context) {
	s.scheduler.Start(ctx, func(ctx context.Context, run domain.Run) {
		s.Execute(ctx, run)
	})
}

// Wait blocks until every scheduled run has returned after Start's ctx ended.
func (s *RunService) Wait() {
	s.scheduler.Wait()
}

// Enqueue journals a new run and schedules it. It returns as soon as the
// run is queued.
func (s *RunService) Enqueue(ctx context.Context, job domain.Job) (domain.Run, error) {
	run, err := s.create(ctx, job)
	if err != nil {
		return domain.Run{}, err
	}

	if err := s.scheduler.Submit(run); err != nil {
		s.finish(ctx, &run, domain.RunStatusFailed, err)
		return run, fmt.Errorf("schedule run %s: %w", run.ID, err)
	}
	return run, nil
}

// RunSync journals a new run and executes it on the caller's goroutine.
// The returned error is the run's failure, if any.
func (s *RunService) RunSync(ctx context.Context, job domain.Job) (domain.Run, error) {
	run, err := s.create(ctx, job)
	if err != nil {
		return domain.Run{}, err
	}
	run = s.Execute(ctx, run)
	if run.Status != domain.RunStatusCompleted {
		msg := string(run.Status)
		if run.Error != nil {
			msg = *run.Error
		}
		return run, fmt.Errorf("run %s %s: %s", run.ID, run.Status, msg)
	}
	return run, nil
}

// Execute runs a journaled run to completion and returns its final state.
func (s *RunService) Execute(ctx context.Context, run domain.Run) domain.Run {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(run.ID, cancel)
	defer s.untrack(run.ID)

	run.Status = domain.RunStatusRunning
	s.save(ctx, run)
	s.publishStatus(run)
	s.logger.Info("run started", "run_id", run.ID)

	outputs, err := s.inference.Run(ctx, run.Workflow, func(id domain.PromptID) {
		run.PromptID = id
		s.save(ctx, run)
	}, func(p domain.Progress) {
		s.eventBus.Publish(NewEvent(string(run.ID), EventTypeProgress, p))
	})
	if err != nil {
		status := domain.RunStatusFailed
		if errors.Is(err, context.Canceled) {
			status = domain.RunStatusCancelled
		}
		// Persist with a context that outlives the cancelled run.
		s.finish(context.WithoutCancel(ctx), &run, status, err)
		return run
	}

	archived, err := s.archive(ctx, run.ID, outputs)
	if err != nil {
		s.finish(context.WithoutCancel(ctx), &run, domain.RunStatusFailed, err)
		return run
	}
	run.Outputs = archived
	s.finish(context.WithoutCancel(ctx), &run, domain.RunStatusCompleted, nil)
	return run
}

// Cancel stops a running run. Queued runs are not affected.
func (s *RunService) Cancel(id domain.RunID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *RunService) Get(ctx context.Context, id domain.RunID) (domain.Run, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *RunService) List(ctx context.Context, limit int) ([]domain.Run, error) {
	return s.repo.ListRuns(ctx, limit)
}

// Upload queues an input asset on the inference client.
func (s *RunService) Upload(data []byte, ext string) string {
	return s.inference.Upload(data, ext)
}

// ConnectionState reports the inference connection state and upload backlog.
func (s *RunService) ConnectionState() (domain.ConnState, int) {
	return s.inference.State(), s.inference.PendingUploads()
}

// ConnectionChanged publishes a connection state transition to global
// subscribers.
func (s *RunService) ConnectionChanged(state domain.ConnState) {
	s.eventBus.Publish(NewEvent("", EventTypeConnection, map[string]any{"state": state}))
}

func (s *RunService) create(ctx context.Context, job domain.Job) (domain.Run, error) {
	if len(job) == 0 {
		return domain.Run{}, domain.ErrEmptyWorkflow
	}
	run := domain.Run{
		ID:        domain.RunID(uuid.NewString()),
		Status:    domain.RunStatusPending,
		Workflow:  job,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("failed to journal run: %w", err)
	}
	s.publishStatus(run)
	return run, nil
}

func (s *RunService) finish(ctx context.Context, run *domain.Run, status domain.RunStatus, err error) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if err != nil {
		msg := err.Error()
		run.Error = &msg
		s.logger.Warn("run ended", "run_id", run.ID, "status", status, "error", err)
	} else {
		s.logger.Info("run completed", "run_id", run.ID, "outputs", len(run.Outputs))
	}
	s.save(ctx, *run)
	s.publishStatus(*run)
}

// archive copies every output to the sink and points the asset at its
// archived location. Without a sink, inline assets become data URLs so the
// journal still holds their bytes.
func (s *RunService) archive(ctx context.Context, id domain.RunID, outputs []domain.OutputAsset) ([]domain.OutputAsset, error) {
	if len(outputs) == 0 {
		return outputs, nil
	}
	if s.sink == nil {
		return inlineAsDataURLs(outputs), nil
	}

	archived := make([]domain.OutputAsset, len(outputs))
	copy(archived, outputs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveParallelism)
	for i := range archived {
		i := i
		asset := &archived[i]
		key := archiveKey(id, i, *asset)
		g.Go(func() error {
			data, contentType, err := s.inference.Fetch(gctx, *asset)
			if err != nil {
				return fmt.Errorf("fetch output %d: %w", i, err)
			}
			location, err := s.sink.Put(gctx, key, bytes.NewReader(data), int64(len(data)), contentType)
			if err != nil {
				return err
			}
			asset.URL = location
			if asset.ContentType == "" {
				asset.ContentType = contentType
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("archive outputs: %w", err)
	}
	return archived, nil
}

func inlineAsDataURLs(outputs []domain.OutputAsset) []domain.OutputAsset {
	kept := make([]domain.OutputAsset, len(outputs))
	copy(kept, outputs)
	for i := range kept {
		asset := &kept[i]
		if !asset.Inline() || asset.URL != "" {
			continue
		}
		contentType := asset.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		asset.URL = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(asset.Data)
	}
	return kept
}

func archiveKey(id domain.RunID, index int, asset domain.OutputAsset) string {
	node := string(asset.Node)
	if node == "" {
		node = "out"
	}
	return path.Join("runs", string(id), fmt.Sprintf("%s-%d%s", node, index, assetExt(asset)))
}

func assetExt(asset domain.OutputAsset) string {
	if ext := path.Ext(asset.Filename); ext != "" {
		return ext
	}
	switch asset.ContentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func (s *RunService) save(ctx context.Context, run domain.Run) {
	if err := s.repo.SaveRun(ctx, run); err != nil {
		s.logger.Error("failed to journal run", "run_id", run.ID, "error", err)
	}
}

func (s *RunService) publishStatus(run domain.Run) {
	payload := map[string]any{"status": run.Status}
	if run.PromptID != "" {
		payload["prompt_id"] = run.PromptID
	}
	if run.Error != nil {
		payload["error"] = *run.Error
	}
	s.eventBus.Publish(NewEvent(string(run.ID), EventTypeStatus, payload))
}

func (s *RunService) track(id domain.RunID, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *RunService) untrack(id domain.RunID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}
