package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the object storage surface the pipeline consumes. Put returns the
// public URL of the stored artifact.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// FSStore stores artifacts on the local filesystem under a base directory
// and serves them under a public base URL
type FSStore struct {
	baseDir string
	baseURL string
}

// NewFSStore creates a filesystem-backed store
func NewFSStore(baseDir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FSStore{baseDir: baseDir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *FSStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(s.baseDir, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(s.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return full, nil
}

// Put writes the artifact atomically: temp file in the target directory,
// then rename. Readers never observe a partial write.
func (s *FSStore) Put(_ context.Context, path string, data []byte, _ string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}

	return s.baseURL + "/" + strings.TrimPrefix(path, "/"), nil
}

// Get reads an artifact back
func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}
