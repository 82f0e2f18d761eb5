package jobs_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/converter"
	"github.com/kiranshivaraju/pdfarchive/internal/converter/mock"
	"github.com/kiranshivaraju/pdfarchive/internal/event"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_CompletesJob(t *testing.T) {
	conv := mock.NewMockConverter()
	h := newHarness(t, conv).start(t)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf", "b.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Percentage)
	assert.NotNil(t, st.CompletedAt)
	assertRecordInvariants(t, h, job.ID)

	calls := conv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a.pdf", calls[0].OriginalName, "files are converted in creation order")
	assert.Equal(t, "b.pdf", calls[1].OriginalName)
	assert.Equal(t, models.DefaultOptions(), calls[0].Options)

	cached, ok, err := h.cache.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusCompleted, cached)
}

func TestOrchestrator_FileFailureIsIsolated(t *testing.T) {
	conv := mock.NewMockConverter()
	conv.ConvertFunc = func(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
		if req.OriginalName == "two.pdf" {
			progress(40)
			return models.ConversionOutput{}, &converter.Error{Stage: converter.StageRender, Err: converter.ErrConversionFailed, Detail: "bad xref"}
		}
		return mock.Succeed(ctx, req, progress)
	}
	h := newHarness(t, conv).start(t)

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("one.pdf", "two.pdf", "three.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, "1 of 3 files failed", *st.Error)

	require.Len(t, st.Files, 3)
	assert.Equal(t, models.StatusCompleted, st.Files[0].Status)
	assert.Equal(t, models.StatusFailed, st.Files[1].Status)
	require.NotNil(t, st.Files[1].Error)
	assert.Contains(t, *st.Files[1].Error, "render")
	assert.Equal(t, 40, st.Files[1].Percentage)
	assert.Equal(t, models.StatusCompleted, st.Files[2].Status)
	assertRecordInvariants(t, h, job.ID)

	_, err = os.Stat(filepath.Join(h.convertedDir, st.Files[1].ID.String()))
	assert.True(t, os.IsNotExist(err), "failed file leaves no output behind")
}

func TestOrchestrator_MissingToolFailsFile(t *testing.T) {
	h := newHarness(t, mock.NewFailingConverter(&converter.Error{Stage: converter.StageRender, Err: converter.ErrToolUnavailable})).start(t)

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.Files[0].Error)
	assert.Equal(t, "conversion tool unavailable", *st.Files[0].Error)
}

func TestOrchestrator_ConvertTimeoutFailsFile(t *testing.T) {
	h := newHarness(t, mock.NewTimeoutConverter(), withConvertTimeout(50*time.Millisecond)).start(t)

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("slow.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.Files[0].Error)
	assert.Equal(t, "conversion timed out", *st.Files[0].Error)
	assertRecordInvariants(t, h, job.ID)
}

func TestOrchestrator_PanicFailsJob(t *testing.T) {
	conv := mock.NewMockConverter()
	conv.ConvertFunc = func(context.Context, models.ConversionRequest, models.ProgressFunc) (models.ConversionOutput, error) {
		panic("converter exploded")
	}
	h := newHarness(t, conv).start(t)

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("a.pdf", "b.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, jobs.ReasonInternal, *st.Error)
	for _, f := range st.Files {
		assert.Equal(t, models.StatusFailed, f.Status)
	}
	assertRecordInvariants(t, h, job.ID)
}

func TestOrchestrator_ProgressIsMonotonic(t *testing.T) {
	steps := []int{10, 5, 40, 40, 75, 150}
	ticks := make(chan struct{})
	ack := make(chan struct{})

	conv := mock.NewMockConverter()
	conv.ConvertFunc = func(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
		for _, p := range steps {
			progress(p)
			select {
			case ticks <- struct{}{}:
			case <-ctx.Done():
				return models.ConversionOutput{}, ctx.Err()
			}
			select {
			case <-ack:
			case <-ctx.Done():
				return models.ConversionOutput{}, ctx.Err()
			}
		}
		return mock.Succeed(ctx, req, nil)
	}
	h := newHarness(t, conv).start(t)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	var seen []int
	for range steps {
		<-ticks
		st, err := h.reporter.Status(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, st.Files[0].Status)
		assert.LessOrEqual(t, st.Files[0].Percentage, 99, "progress stays below 100 until completed")
		seen = append(seen, st.Files[0].Percentage)
		ack <- struct{}{}
	}

	assert.Equal(t, []int{10, 10, 40, 40, 75, 99}, seen)
	st := waitForTerminal(t, h, job.ID)
	assert.Equal(t, 100, st.Files[0].Percentage)
}

func TestOrchestrator_CancelPendingAndInProgressFiles(t *testing.T) {
	gate := mock.NewGate()
	t.Cleanup(gate.Release)
	conv := mock.NewGatedConverter(gate)
	h := newHarness(t, conv).start(t)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("1.pdf", "2.pdf", "3.pdf", "4.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	inFlight := <-gate.Started
	assert.Equal(t, "1.pdf", inFlight.OriginalName)

	require.NoError(t, h.orch.Cancel(ctx, job.ID))

	st, err := h.reporter.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.Len(t, st.Files, 4)
	for _, f := range st.Files {
		assert.Equal(t, models.StatusFailed, f.Status)
		require.NotNil(t, f.Error)
		assert.Equal(t, jobs.ReasonCancelled, *f.Error)
	}

	// Let the in-flight conversion finish; its result must be discarded.
	gate.Release()
	firstOut := filepath.Join(h.convertedDir, st.Files[0].ID.String())
	require.Eventually(t, func() bool {
		_, err := os.Stat(firstOut)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	st, err = h.reporter.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Files[0].Status)
	assert.Equal(t, jobs.ReasonCancelled, *st.Files[0].Error)
	assert.Len(t, conv.Calls(), 1, "no further files are started after cancel")
	assertRecordInvariants(t, h, job.ID)

	cached, _, _ := h.cache.GetJobStatus(ctx, job.ID)
	assert.Equal(t, models.StatusFailed, cached)
}

func TestOrchestrator_CancelErrors(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter()).start(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.orch.Cancel(ctx, uuid.New()), jobs.ErrNotFound)

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)
	waitForTerminal(t, h, job.ID)

	assert.ErrorIs(t, h.orch.Cancel(ctx, job.ID), jobs.ErrAlreadyTerminal)
}

func TestOrchestrator_CancelBeforeWorkerPicksUp(t *testing.T) {
	conv := mock.NewMockConverter()
	h := newHarness(t, conv)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf", "b.pdf"), models.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(ctx, job.ID))

	h.start(t)
	require.Eventually(t, func() bool {
		return h.orch.ReleaseFinished(0) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, conv.Calls())
	assertRecordInvariants(t, h, job.ID)
}

func TestOrchestrator_SubmitIsIdempotent(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter(), withQueueSize(1))
	id := uuid.New()

	require.NoError(t, h.orch.Submit(id))
	assert.ErrorIs(t, h.orch.Submit(id), jobs.ErrAlreadyRunning)
	assert.ErrorIs(t, h.orch.Submit(uuid.New()), jobs.ErrQueueFull)
	assert.True(t, h.orch.IsTracked(id))
}

func TestOrchestrator_UnknownJobIsSkipped(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter())
	id := uuid.New()
	require.NoError(t, h.orch.Submit(id))

	h.start(t)
	require.Eventually(t, func() bool {
		return h.orch.ReleaseFinished(0) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ReleaseFinishedKeepsRecords(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter()).start(t)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)
	waitForTerminal(t, h, job.ID)

	assert.Equal(t, 0, h.orch.ReleaseFinished(time.Hour), "recently finished jobs stay tracked")
	require.Eventually(t, func() bool { return h.orch.ReleaseFinished(0) == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, h.orch.IsTracked(job.ID))

	st, err := h.reporter.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
}

func TestOrchestrator_PublishesLifecycleEvents(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter())
	var mu sync.Mutex
	var types []event.EventType
	h.bus.SubscribeAll(func(_ context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		return nil
	})
	h.start(t)

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)
	waitForTerminal(t, h, job.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) > 0 && types[len(types)-1] == event.EventJobCompleted
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.EventType{
		event.EventJobStarted,
		event.EventFileStarted,
		event.EventFileProgress, // 50
		event.EventFileProgress, // 100 capped to 99
		event.EventFileCompleted,
		event.EventJobCompleted,
	}, types)
}

func TestOrchestrator_ConcurrentJobs(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter()).start(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf", "b.pdf"), models.DefaultOptions())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		st := waitForTerminal(t, h, id)
		assert.Equal(t, models.StatusCompleted, st.Status)
		assertRecordInvariants(t, h, id)
	}
}
