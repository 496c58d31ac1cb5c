package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: map[string]Entry{}}
}

func (t *MemoryTier) Name() string {
	return "memory"
}

func (t *MemoryTier) Load(_ context.Context, key string) (Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	return entry, true, nil
}

func (t *MemoryTier) Store(_ context.Context, key string, entry Entry, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	t.entries[key] = entry
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

func (t *MemoryTier) Close() error {
	return nil
}

// FileTier keeps every entry in one JSON document on disk. Each write
// rewrites the document through a temp file and rename.
type FileTier struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
}

type fileTierState struct {
	Entries map[string]Entry `json:"entries"`
}

func NewFileTier(path string) (*FileTier, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	t := &FileTier{
		path:    path,
		entries: map[string]Entry{},
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *FileTier) Name() string {
	return "file"
}

func (t *FileTier) Load(_ context.Context, key string) (Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	return entry, true, nil
}

func (t *FileTier) Store(_ context.Context, key string, entry Entry, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous, existed := t.entries[key]
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	t.entries[key] = entry
	if err := t.saveLocked(); err != nil {
		if existed {
			t.entries[key] = previous
		} else {
			delete(t.entries, key)
		}
		return err
	}
	return nil
}

func (t *FileTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return nil
	}
	delete(t.entries, key)
	return t.saveLocked()
}

func (t *FileTier) Close() error {
	return nil
}

func (t *FileTier) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTierState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Entries != nil {
		t.entries = snapshot.Entries
	}
	return nil
}

func (t *FileTier) saveLocked() error {
	data, err := json.Marshal(fileTierState{Entries: t.entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
