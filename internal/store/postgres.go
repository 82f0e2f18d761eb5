package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

const jobColumns = `id, status, apply_ocr, verify_compliance, optimize_size, error_message,
	created_at, updated_at, started_at, completed_at, purged_at`

const fileColumns = `id, job_id, position, original_name, original_size, input_path, status, progress,
	converted_name, converted_size, output_path, is_pdfa, has_ocr, error, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, files []*models.File) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, status, apply_ocr, verify_compliance, optimize_size, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Status, job.Options.ApplyOCR, job.Options.VerifyCompliance, job.Options.OptimizeSize,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(
			`INSERT INTO files (id, job_id, position, original_name, original_size, input_path, status, progress, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			f.ID, f.JobID, f.Position, f.OriginalName, f.OriginalSize, f.InputPath, f.Status, f.Progress,
			f.CreatedAt, f.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create files: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.StatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, sourcesFor(validJobTransitions, status))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectJobTransition(ctx, id, status)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail job: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, updated_at = $3, completed_at = $3
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, reason, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectJobTransition(ctx, id, models.StatusFailed)
	}

	_, err = tx.Exec(ctx,
		`UPDATE files SET status = 'failed', error = $2, updated_at = $3
		 WHERE job_id = $1 AND status IN ('pending', 'processing')`, id, reason, now)
	if err != nil {
		return fmt.Errorf("fail job files: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPurgeableJobs(ctx context.Context, completedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE purged_at IS NULL AND completed_at IS NOT NULL AND completed_at < $1
		 ORDER BY completed_at`, completedBefore)
	if err != nil {
		return nil, fmt.Errorf("list purgeable jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) MarkJobPurged(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET purged_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark job purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Files ---

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID) (*models.File, error) {
	f, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, jobID uuid.UUID) ([]*models.File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := []*models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresStore) UpdateFileStatus(ctx context.Context, id uuid.UUID, status string, opts ...FileUpdateOption) error {
	params := applyFileOptions(status, opts)

	query := `UPDATE files SET status = $2, updated_at = $3`
	args := []any{id, status, time.Now().UTC()}
	argIdx := 4

	switch status {
	case models.StatusProcessing:
		query += ", progress = 0"
	case models.StatusCompleted:
		query += ", progress = 100, error = NULL"
		if out := params.Output; out != nil {
			query += fmt.Sprintf(", converted_name = $%d, converted_size = $%d, output_path = $%d, is_pdfa = $%d, has_ocr = $%d",
				argIdx, argIdx+1, argIdx+2, argIdx+3, argIdx+4)
			args = append(args, out.ConvertedName, out.ConvertedSize, out.OutputPath, out.IsPDFA, out.HasOCR)
			argIdx += 5
		}
	case models.StatusFailed:
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.Error)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, sourcesFor(validFileTransitions, status))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM files WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get file status: %w", err)
		}
		return fmt.Errorf("%w: file %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

func (s *PostgresStore) UpdateFileProgress(ctx context.Context, id uuid.UUID, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET progress = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND progress < $2`, id, clampProgress(progress))
	if err != nil {
		return fmt.Errorf("update file progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check file: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) rejectJobTransition(ctx context.Context, id uuid.UUID, status string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, current, status)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.Options.ApplyOCR, &j.Options.VerifyCompliance, &j.Options.OptimizeSize,
		&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.PurgedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanFile(row pgx.Row) (*models.File, error) {
	var f models.File
	err := row.Scan(&f.ID, &f.JobID, &f.Position, &f.OriginalName, &f.OriginalSize, &f.InputPath,
		&f.Status, &f.Progress, &f.ConvertedName, &f.ConvertedSize, &f.OutputPath, &f.IsPDFA, &f.HasOCR,
		&f.Error, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
