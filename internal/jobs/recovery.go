package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// Recover reconciles jobs left behind by a previous process. Jobs that were
// processing are failed with ReasonInterrupted; pending jobs are resubmitted.
func Recover(ctx context.Context, st store.Store, sub Submitter) (failed, resubmitted int, err error) {
	processing, err := st.ListJobsByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return 0, 0, fmt.Errorf("listing processing jobs: %w", err)
	}
	for _, job := range processing {
		if err := st.FailJob(ctx, job.ID, ReasonInterrupted); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return failed, resubmitted, fmt.Errorf("failing interrupted job %s: %w", job.ID, err)
		}
		failed++
	}

	pending, err := st.ListJobsByStatus(ctx, models.StatusPending)
	if err != nil {
		return failed, resubmitted, fmt.Errorf("listing pending jobs: %w", err)
	}
	for _, job := range pending {
		err := sub.Submit(job.ID)
		switch {
		case err == nil:
			resubmitted++
		case errors.Is(err, ErrAlreadyRunning):
		case errors.Is(err, ErrQueueFull):
			if ferr := st.FailJob(ctx, job.ID, ReasonQueueFull); ferr != nil && !errors.Is(ferr, store.ErrInvalidTransition) {
				return failed, resubmitted, fmt.Errorf("failing unqueued job %s: %w", job.ID, ferr)
			}
			failed++
		default:
			return failed, resubmitted, fmt.Errorf("resubmitting job %s: %w", job.ID, err)
		}
	}

	if failed > 0 || resubmitted > 0 {
		slog.Info("recovered jobs", "failed", failed, "resubmitted", resubmitted)
	}
	return failed, resubmitted, nil
}
