package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
)

// JanitorConfig sets the retention windows and sweep period.
type JanitorConfig struct {
	Interval          time.Duration
	TrackingRetention time.Duration
	FileRetention     time.Duration
}

// Janitor releases finished job handles and removes the scratch bytes of old jobs.
type Janitor struct {
	store   store.Store
	cache   cache.Cache
	storage *storage.Local
	orch    *Orchestrator
	cfg     JanitorConfig
	now     func() time.Time
}

func NewJanitor(st store.Store, ca cache.Cache, stor *storage.Local, orch *Orchestrator, cfg JanitorConfig) *Janitor {
	return &Janitor{store: st, cache: ca, storage: stor, orch: orch, cfg: cfg, now: time.Now}
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("janitor sweep", "error", err)
			}
		}
	}
}

// Sweep performs one pass and reports how many tracker entries were released
// and how many jobs had their files purged.
func (j *Janitor) Sweep(ctx context.Context) (released, purged int, err error) {
	released = j.orch.ReleaseFinished(j.cfg.TrackingRetention)

	if s, ok := j.cache.(interface{ Sweep() int }); ok {
		s.Sweep()
	}

	old, err := j.store.ListPurgeableJobs(ctx, j.now().Add(-j.cfg.FileRetention))
	if err != nil {
		return released, 0, err
	}

	var errs []error
	for _, job := range old {
		files, err := j.store.ListFiles(ctx, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var paths []string
		for _, f := range files {
			paths = append(paths, f.InputPath)
			if f.OutputPath != nil {
				paths = append(paths, *f.OutputPath)
			}
		}
		if err := j.storage.Remove(paths...); err != nil {
			slog.Warn("removing job files", "job_id", job.ID, "error", err)
		}
		for _, f := range files {
			_ = j.storage.RemoveOutputDir(f.ID)
		}
		if err := j.store.MarkJobPurged(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		_ = j.cache.Delete(ctx, cache.ResultsKey(job.ID))
		purged++
		slog.Info("purged job files", "job_id", job.ID, "files", len(files))
	}

	if released > 0 {
		slog.Debug("released job handles", "count", released)
	}
	return released, purged, errors.Join(errs...)
}
