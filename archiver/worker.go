package archiver

import (
	"context"
	"errors"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// worker drives a single archive job. The pool spins one up when the pinger
// sees the job in the runnable set and reaps it once it has been idle for a
// while.
type worker struct {
	jobID     string
	service   *Service
	log       logger.Logger
	lifecycle struct {
		ctx    context.Context
		cancel context.CancelFunc
	}
}

// Work claims the job and, having won the claim, runs the pipeline. A lost
// claim means some other worker got there first and there is nothing to do.
func (w *worker) Work() bool {
	claimed, err := w.service.db.ClaimJob(w.lifecycle.ctx, w.jobID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.log.Errorw("Failed to claim job", "jobId", w.jobID, "error", err)
		}
		return false
	}
	if !claimed {
		return false
	}
	start := time.Now()
	if err := w.service.runPipeline(w.lifecycle.ctx, w.jobID); err != nil {
		w.log.Errorw("Archive job failed", "jobId", w.jobID, "error", err)
	}
	w.service.stats.NewStat("archiver_pipeline_time", stats.TimerType).Since(start)
	return true
}

func (w *worker) SleepDurations() (min, max time.Duration) {
	return w.service.config.minWorkerSleep, w.service.config.maxWorkerSleep
}

func (w *worker) Stop() {
	w.lifecycle.cancel()
}
