// Package storage keeps the scratch bytes of a conversion job on the local filesystem:
// uploaded inputs in one directory and converter outputs in another.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// ErrTooLarge is returned by SaveUpload when the body exceeds the size ceiling.
var ErrTooLarge = errors.New("upload exceeds size limit")

// ErrOutsideRoot is returned when a path does not belong to this storage.
var ErrOutsideRoot = errors.New("path outside storage root")

// FileInfo describes a stored file opened for reading.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Local stores uploads and converted outputs under two root directories.
type Local struct {
	uploadDir    string
	convertedDir string
}

// NewLocal creates both root directories if needed.
func NewLocal(uploadDir, convertedDir string) (*Local, error) {
	for _, dir := range []string{uploadDir, convertedDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	up, err := filepath.Abs(uploadDir)
	if err != nil {
		return nil, err
	}
	conv, err := filepath.Abs(convertedDir)
	if err != nil {
		return nil, err
	}
	return &Local{uploadDir: up, convertedDir: conv}, nil
}

// SaveUpload streams r into a new file under the upload directory. The file only
// becomes visible once fully written. Bodies larger than maxBytes are discarded
// and ErrTooLarge is returned.
func (l *Local) SaveUpload(r io.Reader, maxBytes int64) (path string, size int64, err error) {
	path = filepath.Join(l.uploadDir, uuid.NewString()+".pdf")

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return "", 0, fmt.Errorf("create pending upload: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if n > maxBytes {
		return "", n, ErrTooLarge
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("commit upload: %w", err)
	}
	return path, n, nil
}

// OutputDir returns a fresh directory for the outputs of one file.
func (l *Local) OutputDir(fileID uuid.UUID) (string, error) {
	dir := filepath.Join(l.convertedDir, fileID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// Open opens a stored file for reading. The caller closes it.
func (l *Local) Open(path string) (*os.File, FileInfo, error) {
	if !l.owns(path) {
		return nil, FileInfo{}, ErrOutsideRoot
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, FileInfo{}, fmt.Errorf("open file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("stat file: %w", err)
	}
	return f, FileInfo{Size: stat.Size(), ModTime: stat.ModTime()}, nil
}

// Remove deletes stored files. Missing files are not an error. Paths outside
// both roots are refused. An output's per-file directory is removed with it.
func (l *Local) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !l.owns(p) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrOutsideRoot, p))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if dir := filepath.Dir(p); dir != l.convertedDir && within(l.convertedDir, dir) {
			_ = os.Remove(dir) // only succeeds once empty
		}
	}
	return errors.Join(errs...)
}

// RemoveOutputDir deletes everything produced for one file.
func (l *Local) RemoveOutputDir(fileID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(l.convertedDir, fileID.String()))
}

func (l *Local) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return within(l.uploadDir, abs) || within(l.convertedDir, abs)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
