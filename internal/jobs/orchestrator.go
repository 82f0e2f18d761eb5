package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/converter"
	"github.com/kiranshivaraju/pdfarchive/internal/event"
	"github.com/kiranshivaraju/pdfarchive/internal/metrics"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// statusTTL bounds how long the job status mirror lives in the cache.
const statusTTL = 30 * time.Minute

// OrchestratorConfig sizes the worker pool.
type OrchestratorConfig struct {
	Workers        int
	QueueSize      int
	ConvertTimeout time.Duration // zero means no per-file deadline
}

// Orchestrator drives submitted jobs through the converter. Jobs run concurrently
// on a fixed pool of workers; the files of one job are converted one at a time.
type Orchestrator struct {
	store   store.Store
	cache   cache.Cache
	conv    models.Converter
	storage *storage.Local
	bus     event.Bus
	cfg     OrchestratorConfig

	queue chan uuid.UUID

	mu      sync.Mutex
	tracked map[uuid.UUID]*trackedJob

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// trackedJob is the in-memory handle of a submitted job.
type trackedJob struct {
	ctx        context.Context
	cancel     context.CancelFunc
	finishedAt time.Time
}

// NewOrchestrator creates an Orchestrator. Call Start before submitting work.
func NewOrchestrator(st store.Store, ca cache.Cache, conv models.Converter, stor *storage.Local, bus event.Bus, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Orchestrator{
		store:   st,
		cache:   ca,
		conv:    conv,
		storage: stor,
		bus:     bus,
		cfg:     cfg,
		queue:   make(chan uuid.UUID, cfg.QueueSize),
		tracked: make(map[uuid.UUID]*trackedJob),
		now:     time.Now,
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	slog.Info("orchestrator started", "workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize, "engine", o.conv.Name())
}

// Stop signals the workers and waits for them to exit. A file being converted
// at that moment is abandoned and its job left processing; jobs still queued stay pending.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-o.queue:
			o.runJob(ctx, jobID)
		}
	}
}

// Submit queues a job for processing without blocking. A job can be submitted
// once; repeats return ErrAlreadyRunning. A full queue returns ErrQueueFull.
func (o *Orchestrator) Submit(jobID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.tracked[jobID]; ok {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())

	select {
	case o.queue <- jobID:
		o.tracked[jobID] = &trackedJob{ctx: ctx, cancel: cancel}
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// Cancel fails a non-terminal job and its unfinished files, then tells the
// worker holding it to stop before the next file.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := o.store.FailJob(ctx, jobID, ReasonCancelled); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, store.ErrInvalidTransition):
			return ErrAlreadyTerminal
		default:
			return fmt.Errorf("%w: cancelling job: %v", ErrInternal, err)
		}
	}

	o.mu.Lock()
	if t, ok := o.tracked[jobID]; ok {
		t.cancel()
	}
	o.mu.Unlock()

	slog.Info("job cancelled", "job_id", jobID)
	o.setCachedStatus(ctx, jobID, models.StatusFailed)
	metrics.RecordJobFinished(models.StatusFailed)
	o.publish(ctx, event.EventJobCancelled, event.JobEvent{JobID: jobID, Status: models.StatusFailed, Error: ReasonCancelled})
	return nil
}

// IsTracked reports whether the job still has an in-memory handle.
func (o *Orchestrator) IsTracked(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tracked[jobID]
	return ok
}

// ReleaseFinished drops the handles of jobs that finished more than retention ago
// and returns how many were released. Persisted records are untouched.
func (o *Orchestrator) ReleaseFinished(retention time.Duration) int {
	cutoff := o.now().Add(-retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	released := 0
	for id, t := range o.tracked {
		if !t.finishedAt.IsZero() && !t.finishedAt.After(cutoff) {
			delete(o.tracked, id)
			released++
		}
	}
	return released
}

func (o *Orchestrator) handle(jobID uuid.UUID) *trackedJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracked[jobID]
}

func (o *Orchestrator) markFinished(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tracked[jobID]; ok {
		t.finishedAt = o.now()
		t.cancel()
	}
}

// fileOutcome is the result of converting one file.
type fileOutcome int

const (
	fileCompleted fileOutcome = iota
	fileFailed
	fileCancelled // the job was failed underneath us
	fileAbandoned // the orchestrator is shutting down
	fileErrored   // the store rejected a write
)

// runJob processes one job. Any panic is recovered and fails the job.
func (o *Orchestrator) runJob(ctx context.Context, jobID uuid.UUID) {
	log := slog.With("job_id", jobID)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	defer o.markFinished(jobID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in runJob", "error", r, "stack", string(debug.Stack()))
			o.failJob(context.Background(), jobID, ReasonInternal)
		}
	}()

	h := o.handle(jobID)
	if h == nil {
		log.Warn("job not tracked, skipping")
		return
	}

	if err := o.store.UpdateJobStatus(ctx, jobID, models.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Debug("job no longer pending, skipping", "error", err)
			return
		}
		log.Error("starting job", "error", err)
		if ctx.Err() == nil {
			o.failJob(context.Background(), jobID, ReasonInternal)
		}
		return
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("loading job", "error", err)
		o.failJob(context.Background(), jobID, ReasonInternal)
		return
	}
	o.setCachedStatus(ctx, jobID, models.StatusProcessing)
	o.publish(ctx, event.EventJobStarted, event.JobEvent{JobID: jobID, Status: models.StatusProcessing})
	log.Info("job started")

	files, err := o.store.ListFiles(ctx, jobID)
	if err != nil {
		log.Error("listing files", "error", err)
		o.failJob(context.Background(), jobID, ReasonInternal)
		return
	}

	for _, f := range files {
		if h.ctx.Err() != nil {
			log.Info("job cancelled, stopping before next file", "file_id", f.ID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if models.IsTerminal(f.Status) {
			continue
		}
		switch o.processFile(ctx, job, f) {
		case fileCancelled:
			return
		case fileAbandoned:
			log.Warn("shutdown during conversion, job left processing", "file_id", f.ID)
			return
		case fileErrored:
			o.failJob(context.Background(), jobID, ReasonInternal)
			return
		}
	}

	o.rollup(ctx, jobID)
}

func (o *Orchestrator) processFile(ctx context.Context, job *models.Job, f *models.File) fileOutcome {
	log := slog.With("job_id", job.ID, "file_id", f.ID)

	if err := o.store.UpdateFileStatus(ctx, f.ID, models.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fileCancelled
		}
		if ctx.Err() != nil {
			return fileAbandoned
		}
		log.Error("starting file", "error", err)
		return fileErrored
	}
	o.publish(ctx, event.EventFileStarted, event.JobEvent{JobID: job.ID, FileID: &f.ID, FileName: f.OriginalName, Status: models.StatusProcessing})

	outDir, err := o.storage.OutputDir(f.ID)
	if err != nil {
		log.Error("creating output dir", "error", err)
		return o.finishFailed(ctx, job.ID, f, "could not prepare output storage")
	}

	convCtx := ctx
	if o.cfg.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		convCtx, cancel = context.WithTimeout(ctx, o.cfg.ConvertTimeout)
		defer cancel()
	}

	started := o.now()
	out, err := o.conv.Convert(convCtx, models.ConversionRequest{
		InputPath:    f.InputPath,
		OriginalName: f.OriginalName,
		OutputDir:    outDir,
		Options:      job.Options,
	}, o.progressSink(ctx, job.ID, f))
	took := o.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			_ = o.storage.RemoveOutputDir(f.ID)
			return fileAbandoned
		}
		log.Warn("conversion failed", "error", err, "duration_ms", took.Milliseconds())
		_ = o.storage.RemoveOutputDir(f.ID)
		outcome := o.finishFailed(ctx, job.ID, f, conversionMessage(err))
		if outcome == fileFailed {
			metrics.RecordFileFinished(models.StatusFailed, took)
		}
		return outcome
	}

	if err := o.store.UpdateFileStatus(ctx, f.ID, models.StatusCompleted, store.WithOutput(out)); err != nil {
		_ = o.storage.RemoveOutputDir(f.ID)
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Info("discarding result of cancelled job")
			return fileCancelled
		}
		if ctx.Err() != nil {
			return fileAbandoned
		}
		log.Error("completing file", "error", err)
		return fileErrored
	}

	metrics.RecordFileFinished(models.StatusCompleted, took)
	log.Info("file converted", "is_pdfa", out.IsPDFA, "has_ocr", out.HasOCR, "duration_ms", took.Milliseconds())
	o.publish(ctx, event.EventFileCompleted, event.JobEvent{JobID: job.ID, FileID: &f.ID, FileName: out.ConvertedName, Status: models.StatusCompleted, Progress: 100})
	return fileCompleted
}

func (o *Orchestrator) finishFailed(ctx context.Context, jobID uuid.UUID, f *models.File, msg string) fileOutcome {
	if err := o.store.UpdateFileStatus(ctx, f.ID, models.StatusFailed, store.WithFileError(msg)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fileCancelled
		}
		if ctx.Err() != nil {
			return fileAbandoned
		}
		slog.Error("failing file", "file_id", f.ID, "error", err)
		return fileErrored
	}
	o.publish(ctx, event.EventFileFailed, event.JobEvent{JobID: jobID, FileID: &f.ID, FileName: f.OriginalName, Status: models.StatusFailed, Error: msg})
	return fileFailed
}

// progressSink persists forward progress and publishes it. Values that do not
// advance the file are dropped.
func (o *Orchestrator) progressSink(ctx context.Context, jobID uuid.UUID, f *models.File) models.ProgressFunc {
	var mu sync.Mutex
	last := 0
	return func(p int) {
		if p > store.MaxProcessingProgress {
			p = store.MaxProcessingProgress
		}
		mu.Lock()
		if p <= last {
			mu.Unlock()
			return
		}
		last = p
		mu.Unlock()

		if err := o.store.UpdateFileProgress(ctx, f.ID, p); err != nil {
			slog.Debug("recording progress", "file_id", f.ID, "error", err)
			return
		}
		o.publish(ctx, event.EventFileProgress, event.JobEvent{JobID: jobID, FileID: &f.ID, FileName: f.OriginalName, Status: models.StatusProcessing, Progress: p})
	}
}

// rollup moves the job to its terminal status: failed iff any file failed.
func (o *Orchestrator) rollup(ctx context.Context, jobID uuid.UUID) {
	files, err := o.store.ListFiles(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("listing files for rollup", "job_id", jobID, "error", err)
		o.failJob(context.Background(), jobID, ReasonInternal)
		return
	}

	failed := 0
	for _, f := range files {
		if f.Status == models.StatusFailed {
			failed++
		}
	}

	status := models.StatusCompleted
	var opts []store.JobUpdateOption
	if failed > 0 {
		status = models.StatusFailed
		opts = append(opts, store.WithErrorMessage(fmt.Sprintf("%d of %d files failed", failed, len(files))))
	}

	if err := o.store.UpdateJobStatus(ctx, jobID, status, opts...); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return
		}
		slog.Error("finishing job", "job_id", jobID, "error", err)
		return
	}

	o.setCachedStatus(ctx, jobID, status)
	metrics.RecordJobFinished(status)
	evType := event.EventJobCompleted
	if status == models.StatusFailed {
		evType = event.EventJobFailed
	}
	o.publish(ctx, evType, event.JobEvent{JobID: jobID, Status: status, Progress: 100})
	slog.Info("job finished", "job_id", jobID, "status", status, "files", len(files), "failed", failed)
}

// failJob records a job-level failure. Already-terminal jobs are left alone.
func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, reason string) {
	if err := o.store.FailJob(ctx, jobID, reason); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			slog.Error("failing job", "job_id", jobID, "error", err)
		}
		return
	}
	o.setCachedStatus(ctx, jobID, models.StatusFailed)
	metrics.RecordJobFinished(models.StatusFailed)
	o.publish(ctx, event.EventJobFailed, event.JobEvent{JobID: jobID, Status: models.StatusFailed, Error: reason})
}

func (o *Orchestrator) setCachedStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if err := o.cache.SetJobStatus(context.WithoutCancel(ctx), jobID, status, statusTTL); err != nil {
		slog.Debug("mirroring job status", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, t event.EventType, payload event.JobEvent) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, event.Event{Type: t, Payload: payload})
}

// conversionMessage turns a converter error into the text stored on the file.
func conversionMessage(err error) string {
	var convErr *converter.Error
	switch {
	case errors.Is(err, converter.ErrTimeout):
		return "conversion timed out"
	case errors.Is(err, converter.ErrToolUnavailable):
		return "conversion tool unavailable"
	case errors.Is(err, converter.ErrInvalidInput):
		return "file is not a readable PDF"
	case errors.As(err, &convErr):
		return fmt.Sprintf("conversion failed during %s: %v", convErr.Stage, convErr.Err)
	default:
		return err.Error()
	}
}
