package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pavel-fokin/media-stash/internal/media"
)

// Storage implements media.Store on the local filesystem
type Storage struct {
	layout media.Layout
}

// NewStorage creates a new filesystem storage
func NewStorage(layout media.Layout) *Storage {
	return &Storage{
		layout: layout,
	}
}

// EnsureLayout creates the directory of every media type
func (s *Storage) EnsureLayout() error {
	for _, t := range media.Types {
		if err := os.MkdirAll(s.layout.Dir(t), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", t, err)
		}
	}
	return nil
}

// Write stores content under name. The file becomes visible only once it is
// completely written.
func (s *Storage) Write(ctx context.Context, t media.Type, name string, content io.Reader) (string, error) {
	filePath, err := s.layout.Resolve(t, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(filePath)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", media.ErrStorageWrite, err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: content}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: write file content: %w", media.ErrStorageWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync file: %w", media.ErrStorageWrite, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return "", fmt.Errorf("%w: chmod file: %w", media.ErrStorageWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close file: %w", media.ErrStorageWrite, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return "", fmt.Errorf("%w: rename file: %w", media.ErrStorageWrite, err)
	}
	committed = true

	return filePath, nil
}

// Read returns the content of a stored file
func (s *Storage) Read(t media.Type, name string) ([]byte, error) {
	filePath, err := s.layout.Resolve(t, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, readError(err)
	}
	return data, nil
}

// Open returns a reader for the content of a stored file
func (s *Storage) Open(t media.Type, name string) (io.ReadSeekCloser, media.Info, error) {
	filePath, err := s.layout.Resolve(t, name)
	if err != nil {
		return nil, media.Info{}, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, media.Info{}, readError(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, media.Info{}, readError(err)
	}
	if info.IsDir() {
		file.Close()
		return nil, media.Info{}, media.ErrNotFound
	}

	return file, toInfo(info), nil
}

// Stat returns the metadata of a stored file
func (s *Storage) Stat(t media.Type, name string) (media.Info, error) {
	filePath, err := s.layout.Resolve(t, name)
	if err != nil {
		return media.Info{}, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return media.Info{}, readError(err)
	}
	if info.IsDir() {
		return media.Info{}, media.ErrNotFound
	}
	return toInfo(info), nil
}

// Delete removes a stored file. Deleting a missing file is an error.
func (s *Storage) Delete(t media.Type, name string) error {
	filePath, err := s.layout.Resolve(t, name)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return media.ErrNotFound
		}
		return fmt.Errorf("%w: delete file: %w", media.ErrStorageWrite, err)
	}

	return nil
}

// Exists checks if a file exists
func (s *Storage) Exists(t media.Type, name string) bool {
	_, err := s.Stat(t, name)
	return err == nil
}

// Scan lists the regular files in the directory of t
func (s *Storage) Scan(t media.Type) ([]media.Entry, error) {
	entries, err := os.ReadDir(s.layout.Dir(t))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read directory: %w", media.ErrStorageRead, err)
	}

	out := make([]media.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		e := media.Entry{Name: entry.Name()}
		info, err := entry.Info()
		switch {
		case err != nil:
			e.Err = err
		case !info.Mode().IsRegular():
			continue
		default:
			e.Info = toInfo(info)
		}
		out = append(out, e)
	}
	return out, nil
}

func toInfo(info os.FileInfo) media.Info {
	return media.Info{
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func readError(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return media.ErrNotFound
	}
	return fmt.Errorf("%w: %w", media.ErrStorageRead, err)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
