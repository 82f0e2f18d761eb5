package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteJobColumns = `id, status, apply_ocr, verify_compliance, optimize_size, error_message,
	created_at_ms, updated_at_ms, started_at_ms, completed_at_ms, purged_at_ms`

const sqliteFileColumns = `id, job_id, position, original_name, original_size, input_path, status, progress,
	converted_name, converted_size, output_path, is_pdfa, has_ocr, error, created_at_ms, updated_at_ms`

// OpenSQLite opens a SQLite database with WAL journaling, a busy timeout and
// foreign keys enabled on every pooled connection.
func OpenSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteStore implements the Store interface on a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore. The schema must already be migrated.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job, files []*models.File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, status, apply_ocr, verify_compliance, optimize_size, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Status, job.Options.ApplyOCR, job.Options.VerifyCompliance, job.Options.OptimizeSize,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	for _, f := range files {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (id, job_id, position, original_name, original_size, input_path, status, progress, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID.String(), f.JobID.String(), f.Position, f.OriginalName, f.OriginalSize, f.InputPath, f.Status, f.Progress,
			f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli())
		if err != nil {
			if isSQLiteConstraint(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE status = ? ORDER BY created_at_ms`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC().UnixMilli()
	sets := []string{"status = ?", "updated_at_ms = ?"}
	args := []any{status, now}

	if status == models.StatusProcessing {
		sets = append(sets, "started_at_ms = ?")
		args = append(args, now)
	}
	if models.IsTerminal(status) {
		sets = append(sets, "completed_at_ms = ?")
		args = append(args, now)
	}
	if params.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *params.ErrorMessage)
	}

	from := sourcesFor(validJobTransitions, status)
	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id.String())
	args = append(args, toAny(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.rejectTransition(ctx, "jobs", "job", id, status)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, updated_at_ms = ?, completed_at_ms = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`, reason, now, now, id.String())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return s.rejectTransition(ctx, "jobs", "job", id, models.StatusFailed)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE files SET status = 'failed', error = ?, updated_at_ms = ?
		 WHERE job_id = ? AND status IN ('pending', 'processing')`, reason, now, id.String())
	if err != nil {
		return fmt.Errorf("fail job files: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPurgeableJobs(ctx context.Context, completedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs
		 WHERE purged_at_ms IS NULL AND completed_at_ms IS NOT NULL AND completed_at_ms < ?
		 ORDER BY completed_at_ms`, completedBefore.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list purgeable jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) MarkJobPurged(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET purged_at_ms = ?, updated_at_ms = ? WHERE id = ?`, now, now, id.String())
	if err != nil {
		return fmt.Errorf("mark job purged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Files ---

func (s *SQLiteStore) GetFile(ctx context.Context, id uuid.UUID) (*models.File, error) {
	f, err := scanSQLiteFile(s.db.QueryRowContext(ctx, `SELECT `+sqliteFileColumns+` FROM files WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, jobID uuid.UUID) ([]*models.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteFileColumns+` FROM files WHERE job_id = ? ORDER BY position`, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := []*models.File{}
	for rows.Next() {
		f, err := scanSQLiteFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) UpdateFileStatus(ctx context.Context, id uuid.UUID, status string, opts ...FileUpdateOption) error {
	params := applyFileOptions(status, opts)

	sets := []string{"status = ?", "updated_at_ms = ?"}
	args := []any{status, time.Now().UTC().UnixMilli()}

	switch status {
	case models.StatusProcessing:
		sets = append(sets, "progress = 0")
	case models.StatusCompleted:
		sets = append(sets, "progress = 100", "error = NULL")
		if out := params.Output; out != nil {
			sets = append(sets, "converted_name = ?", "converted_size = ?", "output_path = ?", "is_pdfa = ?", "has_ocr = ?")
			args = append(args, out.ConvertedName, out.ConvertedSize, out.OutputPath, out.IsPDFA, out.HasOCR)
		}
	case models.StatusFailed:
		sets = append(sets, "error = ?")
		args = append(args, *params.Error)
	}

	from := sourcesFor(validFileTransitions, status)
	query := `UPDATE files SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id.String())
	args = append(args, toAny(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.rejectTransition(ctx, "files", "file", id, status)
	}
	return nil
}

func (s *SQLiteStore) UpdateFileProgress(ctx context.Context, id uuid.UUID, progress int) error {
	p := clampProgress(progress)
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET progress = ?, updated_at_ms = ?
		 WHERE id = ? AND status = 'processing' AND progress < ?`,
		p, time.Now().UTC().UnixMilli(), id.String(), p)
	if err != nil {
		return fmt.Errorf("update file progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, id.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check file: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) rejectTransition(ctx context.Context, table, kind string, id uuid.UUID, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s status: %w", kind, err)
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, current, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		j                                models.Job
		id                               string
		errMsg                           sql.NullString
		createdMs, updatedMs             int64
		startedMs, completedMs, purgedMs sql.NullInt64
	)
	err := row.Scan(&id, &j.Status, &j.Options.ApplyOCR, &j.Options.VerifyCompliance, &j.Options.OptimizeSize,
		&errMsg, &createdMs, &updatedMs, &startedMs, &completedMs, &purgedMs)
	if err != nil {
		return nil, err
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	j.ErrorMessage = nullString(errMsg)
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	j.StartedAt = nullTime(startedMs)
	j.CompletedAt = nullTime(completedMs)
	j.PurgedAt = nullTime(purgedMs)
	return &j, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanSQLiteFile(row rowScanner) (*models.File, error) {
	var (
		f                    models.File
		id, jobID            string
		convName, outPath    sql.NullString
		convSize             sql.NullInt64
		errMsg               sql.NullString
		createdMs, updatedMs int64
	)
	err := row.Scan(&id, &jobID, &f.Position, &f.OriginalName, &f.OriginalSize, &f.InputPath,
		&f.Status, &f.Progress, &convName, &convSize, &outPath, &f.IsPDFA, &f.HasOCR,
		&errMsg, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse file id: %w", err)
	}
	if f.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	f.ConvertedName = nullString(convName)
	f.OutputPath = nullString(outPath)
	if convSize.Valid {
		size := convSize.Int64
		f.ConvertedSize = &size
	}
	f.Error = nullString(errMsg)
	f.CreatedAt = time.UnixMilli(createdMs).UTC()
	f.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &f, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// isSQLiteConstraint reports primary key and unique violations.
func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

var _ Store = (*SQLiteStore)(nil)
