package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

var ErrQueueFull = errors.New("scheduling queue full")

// SchedulerConfig defines concurrency limits
type SchedulerConfig struct {
	MaxConcurrentRuns int64
	QueueSize         int
}

// JobScheduler runs queued runs with bounded concurrency. Each run holds
// one slot of the semaphore while its handler executes.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan domain.Run
	semaphore    *semaphore.Weighted
	wg           sync.WaitGroup
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentRuns
	if limit <= 0 {
		limit = 2
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan domain.Run, size),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// Submit adds a run to the scheduling queue without blocking.
func (s *JobScheduler) Submit(run domain.Run) error {
	select {
	case s.pendingQueue <- run:
		s.logger.Info("run queued", "run_id", run.ID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start consumes queued runs and executes them using the provided handler
// until ctx is done.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, domain.Run)) {
	s.logger.Info("starting run scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				return
			case run := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.logger.Warn("run not started", "run_id", run.ID, "error", err)
					return
				}

				s.wg.Add(1)
				go func(r domain.Run) {
					defer s.wg.Done()
					defer s.semaphore.Release(1)
					handler(ctx, r)
				}(run)
			}
		}
	}()
}

// Wait blocks until the consumer loop and every started run have returned.
func (s *JobScheduler) Wait() {
	s.wg.Wait()
}
