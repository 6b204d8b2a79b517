// Package objectstore abstracts blob storage for uploaded document files.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrorKind classifies storage failures for the error taxonomy mapping.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindPermission    ErrorKind = "PERMISSION"
	KindUnavailable   ErrorKind = "UNAVAILABLE"
	KindConfiguration ErrorKind = "CONFIGURATION"
)

// Error is a typed storage failure.
type Error struct {
	Kind  ErrorKind
	Op    string
	Key   string
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("objectstore %s %q: %s", e.Op, e.Key, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the kind from an error chain, defaulting to UNAVAILABLE.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnavailable
}

// Store is the blob storage port.
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Filesystem stores blobs under a root directory. Keys are slash-separated
// relative paths; traversal outside the root is rejected.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem store rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, &Error{Kind: KindConfiguration, Op: "init", Key: dir}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "init", Key: dir, cause: err}
	}
	return &Filesystem{root: dir}, nil
}

func (s *Filesystem) resolve(op, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", &Error{Kind: KindPermission, Op: op, Key: key}
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Filesystem) Upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve("upload", key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return s.wrap("upload", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return s.wrap("upload", key, err)
	}
	return nil
}

func (s *Filesystem) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve("download", key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, s.wrap("download", key, err)
	}
	return data, nil
}

func (s *Filesystem) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve("delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

func (s *Filesystem) wrap(op, key string, err error) error {
	kind := KindUnavailable
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Key: key, cause: err}
}

// Memory is an in-process store for tests and ephemeral deployments.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (s *Memory) Upload(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return &Error{Kind: KindPermission, Op: "upload", Key: key}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *Memory) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "download", Key: key}
	}
	return append([]byte(nil), data...), nil
}

func (s *Memory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return &Error{Kind: KindNotFound, Op: "delete", Key: key}
	}
	delete(s.blobs, key)
	return nil
}

var (
	_ Store = (*Filesystem)(nil)
	_ Store = (*Memory)(nil)
)
