package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/greengrow/cct/pkg/errorsx"
)

// FileStore writes each call as <dir>/<id>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("create storage directory: %w", err), errorsx.ReasonStorageIO)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) SaveCall(_ context.Context, rec CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("encode call record: %w", err), errorsx.ReasonStorageIO)
	}
	path := filepath.Join(f.dir, rec.ID+".json")
	// Write-then-rename so a crash never leaves a truncated record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errorsx.Wrap(fmt.Errorf("write call record: %w", err), errorsx.ReasonStorageIO)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errorsx.Wrap(fmt.Errorf("finalize call record: %w", err), errorsx.ReasonStorageIO)
	}
	return nil
}

// LoadCall reads one record back by id.
func (f *FileStore) LoadCall(id string) (CallRecord, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, id+".json"))
	if err != nil {
		return CallRecord{}, errorsx.Wrap(fmt.Errorf("read call record: %w", err), errorsx.ReasonStorageIO)
	}
	var rec CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CallRecord{}, errorsx.Wrap(fmt.Errorf("decode call record: %w", err), errorsx.ReasonStorageIO)
	}
	return rec, nil
}
