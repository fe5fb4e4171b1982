package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// File reads images from the local file system, addressed as
// file:///absolute/path. When a base directory is set, paths outside it
// are rejected.
type File struct {
	baseDir string
}

// NewFile creates a file backend. baseDir may be empty to allow any path.
func NewFile(baseDir string) (*File, error) {
	if baseDir == "" {
		return &File{}, nil
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &File{baseDir: abs}, nil
}

// Fetch reads the file named by a file:// URL.
func (f *File) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return nil, fmt.Errorf("%w: invalid file url %q", ErrTransport, rawURL)
	}

	path := filepath.Clean(filepath.FromSlash(u.Path))
	if f.baseDir != "" {
		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s is outside %s", ErrTransport, path, f.baseDir)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", ErrTransport, ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: failed to read file: %v", ErrTransport, err)
	}
	return data, nil
}

// Close performs cleanup operations.
func (f *File) Close() error {
	return nil
}
