package archive

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"threadline/pkg/logger"
)

// Runner triggers periodic catch-up for every known conversation on a cron
// schedule, so long-running clients converge with the archive even without
// explicit reads.
type Runner struct {
	syncer   *Syncer
	schedule string
}

func NewRunner(syncer *Syncer, schedule string) (*Runner, error) {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if !gronx.New().IsValid(schedule) {
		return nil, &invalidScheduleError{schedule}
	}
	return &Runner{syncer: syncer, schedule: schedule}, nil
}

type invalidScheduleError struct{ schedule string }

func (e *invalidScheduleError) Error() string {
	return "invalid sync cron schedule: " + e.schedule
}

// Run blocks until ctx is done, firing catch-up whenever the schedule is
// due. Failures for one conversation never stop the sweep.
func (r *Runner) Run(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	logger.Info("sync_runner_started", "schedule", r.schedule)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync_runner_stopped")
			return
		case <-ticker.C:
			due, err := g.IsDue(r.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	convs, err := r.syncer.store.Conversations()
	if err != nil {
		logger.Error("sync_sweep_list_failed", "error", err)
		return
	}
	for _, c := range convs {
		if ctx.Err() != nil {
			return
		}
		if err := r.syncer.CatchUp(ctx, c.Key); err != nil {
			logger.Warn("sync_sweep_conversation_failed", "conversation", c.Key, "error", err)
		}
	}
}
