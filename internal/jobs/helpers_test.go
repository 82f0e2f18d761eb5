package jobs_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/event"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const maxFileSize = 20 * 1024 * 1024

type harness struct {
	store        *store.MemoryStore
	cache        *cache.MemoryCache
	storage      *storage.Local
	convertedDir string
	uploadDir    string
	bus          event.Bus
	orch         *jobs.Orchestrator
	intake       *jobs.Intake
	reporter     *jobs.Reporter
}

type harnessOption func(*jobs.OrchestratorConfig)

func withQueueSize(n int) harnessOption {
	return func(c *jobs.OrchestratorConfig) { c.QueueSize = n }
}

func withConvertTimeout(d time.Duration) harnessOption {
	return func(c *jobs.OrchestratorConfig) { c.ConvertTimeout = d }
}

// newHarness wires the pipeline around conv without starting the workers.
func newHarness(t *testing.T, conv models.Converter, opts ...harnessOption) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		store:        store.NewMemoryStore(),
		cache:        cache.NewMemoryCache(),
		uploadDir:    filepath.Join(root, "uploads"),
		convertedDir: filepath.Join(root, "converted"),
		bus:          event.NewBus(),
	}
	var err error
	h.storage, err = storage.NewLocal(h.uploadDir, h.convertedDir)
	require.NoError(t, err)

	cfg := jobs.OrchestratorConfig{Workers: 2, QueueSize: 10}
	for _, o := range opts {
		o(&cfg)
	}
	h.orch = jobs.NewOrchestrator(h.store, h.cache, conv, h.storage, h.bus, cfg)
	h.intake = jobs.NewIntake(h.store, h.cache, h.storage, h.orch, jobs.IntakeConfig{MaxFileSize: maxFileSize, MaxFilesPerJob: 5})
	h.reporter = jobs.NewReporter(h.store, h.cache, h.storage, func(id uuid.UUID) string {
		return "/api/v1/files/" + id.String() + "/download"
	})
	return h
}

// start launches the workers and stops them when the test ends.
func (h *harness) start(t *testing.T) *harness {
	t.Helper()
	h.orch.Start(context.Background())
	t.Cleanup(h.orch.Stop)
	return h
}

func pdfUpload(name string) jobs.Upload {
	body := []byte("%PDF-1.7\n" + name + "\n%%EOF\n")
	return jobs.Upload{
		Name:        name,
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		},
	}
}

func pdfUploads(names ...string) []jobs.Upload {
	out := make([]jobs.Upload, 0, len(names))
	for _, n := range names {
		out = append(out, pdfUpload(n))
	}
	return out
}

// waitForStatus polls the reporter until cond holds.
func waitForStatus(t *testing.T, h *harness, jobID uuid.UUID, cond func(*jobs.JobStatus) bool) *jobs.JobStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, err := h.reporter.Status(context.Background(), jobID)
		require.NoError(t, err)
		if cond(st) {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %s, last status %s", jobID, st.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForTerminal(t *testing.T, h *harness, jobID uuid.UUID) *jobs.JobStatus {
	t.Helper()
	return waitForStatus(t, h, jobID, (*jobs.JobStatus).Terminal)
}

// assertRecordInvariants checks the stored job and files of a terminal job.
func assertRecordInvariants(t *testing.T, h *harness, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	files, err := h.store.ListFiles(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	assert.True(t, models.IsTerminal(job.Status))
	assert.NotNil(t, job.CompletedAt, "completedAt set on terminal job")

	anyFailed := false
	for _, f := range files {
		require.True(t, models.IsTerminal(f.Status), "file %s not terminal", f.ID)
		switch f.Status {
		case models.StatusCompleted:
			assert.Nil(t, f.Error)
			assert.Equal(t, 100, f.Progress)
			assert.NotNil(t, f.OutputPath)
		case models.StatusFailed:
			anyFailed = true
			require.NotNil(t, f.Error)
			assert.NotEmpty(t, *f.Error)
			assert.Less(t, f.Progress, 100)
		}
	}
	if anyFailed {
		assert.Equal(t, models.StatusFailed, job.Status)
	} else {
		assert.Equal(t, models.StatusCompleted, job.Status)
	}
}
