package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBodyStore keeps message bodies as files under a directory, standing
// in for S3 in tests. Errors can be injected per key.
type FileBodyStore struct {
	mu       sync.RWMutex
	baseDir  string
	errors   map[string]error
	onDelete func(key string)
}

func NewFileBodyStore(baseDir string) (*FileBodyStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBodyStore{baseDir: baseDir, errors: make(map[string]error)}, nil
}

func (m *FileBodyStore) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}

func (m *FileBodyStore) injected(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *FileBodyStore) Put(ctx context.Context, key string, data []byte) error {
	if err := m.injected(key); err != nil {
		return err
	}
	path := m.keyToFilePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *FileBodyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.injected(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, err
}

// Delete is idempotent, like S3.
func (m *FileBodyStore) Delete(ctx context.Context, key string) error {
	if err := m.injected(key); err != nil {
		return err
	}
	m.mu.RLock()
	hook := m.onDelete
	m.mu.RUnlock()
	if hook != nil {
		hook(key)
	}
	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetError makes every later call for key fail with err.
func (m *FileBodyStore) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// OnDelete installs fn to run at the start of every Delete.
func (m *FileBodyStore) OnDelete(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = fn
}

func (m *FileBodyStore) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// Keys lists the stored keys in sorted order.
func (m *FileBodyStore) Keys() []string {
	var keys []string
	_ = filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.baseDir, path)
		if err == nil {
			keys = append(keys, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}
