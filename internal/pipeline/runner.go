package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/telemetry"
)

// Queue is the worker side of the hand-off queue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	DropExpired(ctx context.Context, now time.Time) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Runner polls the hand-off queue and drives the orchestrator, one job at
// a time. Per-job single-threading is what upholds the single-writer rule
// for stage and progress within a run.
type Runner struct {
	queue Queue
	orch  *Orchestrator
	poll  time.Duration
	log   *zap.Logger
}

func NewRunner(q Queue, orch *Orchestrator, poll time.Duration, log *zap.Logger) *Runner {
	if poll == 0 {
		poll = time.Second
	}
	return &Runner{queue: q, orch: orch, poll: poll, log: log}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if n, err := r.queue.DropExpired(ctx, time.Now()); err == nil && n > 0 {
			r.log.Warn("dropped expired leases", zap.Int("count", n))
		}
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			r.log.Error("dequeue failed", zap.Error(err))
			sleep(ctx, r.poll)
			continue
		}
		if jobID == "" {
			sleep(ctx, r.poll)
			continue
		}

		if err := r.orch.Run(ctx, jobID); err != nil {
			// Run only errors on store-level problems; the job row was not
			// finalized and the reaper will pick it up.
			r.log.Error("pipeline run failed", zap.String("job_id", jobID), zap.Error(err))
		}
		_ = r.queue.Ack(ctx, jobID)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
