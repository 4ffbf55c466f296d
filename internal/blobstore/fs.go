package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore is a filesystem-backed object store rooted at a single directory.
// Object metadata is stored in a sidecar JSON file next to the payload.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %q: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data under key.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, metadata Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %q: %w", key, err)
	}
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal blob metadata: %w", err)
		}
		if err := os.WriteFile(path+metaSuffix, encoded, 0o644); err != nil {
			return "", fmt.Errorf("write blob metadata %q: %w", key, err)
		}
	}
	return key, nil
}

// Get returns the object bytes for key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", key, err)
	}
	return data, nil
}

// Head returns object info without reading the payload.
func (s *FSStore) Head(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return Info{}, err
	}
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat blob %q: %w", key, err)
	}

	info := Info{Key: key, SizeBytes: stat.Size()}
	if raw, err := os.ReadFile(path + metaSuffix); err == nil {
		var metadata Metadata
		if err := json.Unmarshal(raw, &metadata); err == nil {
			info.Metadata = metadata
		}
	}
	return info, nil
}

// Delete removes the object and its metadata sidecar. Missing objects are
// ignored.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %q: %w", key, err)
	}
	if err := os.Remove(path + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob metadata %q: %w", key, err)
	}
	return nil
}

const metaSuffix = ".meta.json"

func (s *FSStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(key))
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
