package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("media: not found")

// Store keeps image bytes addressed by an opaque reference.
type Store interface {
	// Save stores a JPEG and returns its reference.
	Save(ctx context.Context, data []byte) (string, error)
	Open(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) bool
}

// newName returns a fresh object name for an upload.
func newName() string {
	return uuid.NewString() + ".jpg"
}

// cleanName reduces a reference to its base name and rejects traversal.
func cleanName(ref string) (string, error) {
	name := filepath.Base(strings.TrimSpace(ref))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	return name, nil
}

// FileStore writes images into one directory. References are file paths.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(ctx context.Context, data []byte) (string, error) {
	path := filepath.Join(s.dir, newName())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

func (s *FileStore) Open(ctx context.Context, ref string) ([]byte, error) {
	name, err := cleanName(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (s *FileStore) Exists(ctx context.Context, ref string) bool {
	name, err := cleanName(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && !info.IsDir()
}

// MemoryStore is an in-process Store used in tests and for ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Save(ctx context.Context, data []byte) (string, error) {
	name := newName()
	s.Put(name, data)
	return name, nil
}

// Put stores data under an explicit name.
func (s *MemoryStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = append([]byte(nil), data...)
}

func (s *MemoryStore) Open(ctx context.Context, ref string) ([]byte, error) {
	name, err := cleanName(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref string) bool {
	name, err := cleanName(ref)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[name]
	return ok
}
