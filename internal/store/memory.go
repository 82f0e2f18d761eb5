package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// MemoryStore implements Store with in-process maps. Records are copied on the way
// in and out so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]*models.Job
	files    map[uuid.UUID]*models.File
	jobFiles map[uuid.UUID][]uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		files:    make(map[uuid.UUID]*models.File),
		jobFiles: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job, files []*models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	for _, f := range files {
		if _, exists := s.files[f.ID]; exists {
			return ErrDuplicateKey
		}
	}

	s.jobs[job.ID] = copyJob(job)
	ids := make([]uuid.UUID, 0, len(files))
	for _, f := range files {
		s.files[f.ID] = copyFile(f)
		ids = append(ids, f.ID)
	}
	s.jobFiles[job.ID] = ids
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, status string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.Status == status {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(validJobTransitions, j.Status, status) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.StatusProcessing {
		j.StartedAt = &now
	}
	if models.IsTerminal(status) {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(validJobTransitions, j.Status, models.StatusFailed) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, models.StatusFailed)
	}

	now := time.Now().UTC()
	for _, fid := range s.jobFiles[id] {
		f := s.files[fid]
		if models.IsTerminal(f.Status) {
			continue
		}
		msg := reason
		f.Status = models.StatusFailed
		f.Error = &msg
		f.UpdatedAt = now
	}

	msg := reason
	j.Status = models.StatusFailed
	j.ErrorMessage = &msg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

func (s *MemoryStore) ListPurgeableJobs(_ context.Context, completedBefore time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.PurgedAt == nil && j.CompletedAt != nil && j.CompletedAt.Before(completedBefore) {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) MarkJobPurged(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.PurgedAt = &now
	j.UpdatedAt = now
	return nil
}

// --- Files ---

func (s *MemoryStore) GetFile(_ context.Context, id uuid.UUID) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFile(f), nil
}

func (s *MemoryStore) ListFiles(_ context.Context, jobID uuid.UUID) ([]*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.jobFiles[jobID]
	files := make([]*models.File, 0, len(ids))
	for _, id := range ids {
		files = append(files, copyFile(s.files[id]))
	}
	sort.SliceStable(files, func(a, b int) bool { return files[a].Position < files[b].Position })
	return files, nil
}

func (s *MemoryStore) UpdateFileStatus(_ context.Context, id uuid.UUID, status string, opts ...FileUpdateOption) error {
	params := applyFileOptions(status, opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(validFileTransitions, f.Status, status) {
		return fmt.Errorf("%w: file %s -> %s", ErrInvalidTransition, f.Status, status)
	}

	f.Status = status
	f.UpdatedAt = time.Now().UTC()
	switch status {
	case models.StatusProcessing:
		f.Progress = 0
	case models.StatusCompleted:
		f.Progress = 100
		f.Error = nil
		if out := params.Output; out != nil {
			name, size, path := out.ConvertedName, out.ConvertedSize, out.OutputPath
			f.ConvertedName = &name
			f.ConvertedSize = &size
			f.OutputPath = &path
			f.IsPDFA = out.IsPDFA
			f.HasOCR = out.HasOCR
		}
	case models.StatusFailed:
		msg := *params.Error
		f.Error = &msg
	}
	return nil
}

func (s *MemoryStore) UpdateFileProgress(_ context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	p := clampProgress(progress)
	if f.Status != models.StatusProcessing || p <= f.Progress {
		return nil
	}
	f.Progress = p
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.ErrorMessage = copyPtr(j.ErrorMessage)
	c.StartedAt = copyPtr(j.StartedAt)
	c.CompletedAt = copyPtr(j.CompletedAt)
	c.PurgedAt = copyPtr(j.PurgedAt)
	return &c
}

func copyFile(f *models.File) *models.File {
	c := *f
	c.ConvertedName = copyPtr(f.ConvertedName)
	c.ConvertedSize = copyPtr(f.ConvertedSize)
	c.OutputPath = copyPtr(f.OutputPath)
	c.Error = copyPtr(f.Error)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ Store = (*MemoryStore)(nil)
