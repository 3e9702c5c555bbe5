package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
)

// FileCheckpointStore keeps the checkpoint as one JSON file. The previous
// file is renamed to path+".bak" while writing and removed once the new file
// is complete, so a .bak left on disk means the last write was interrupted.
type FileCheckpointStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path}
}

func (s *FileCheckpointStore) Path() string { return s.path }

func (s *FileCheckpointStore) backup() string { return s.path + ".bak" }

func (s *FileCheckpointStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	// an interrupted earlier write leaves the last good state in .bak
	if _, err := os.Stat(s.backup()); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(s.path, s.backup()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("backup checkpoint: %w", err)
		}
	}
	if err := writeFileSync(s.path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Remove(s.backup()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove backup: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) Load(ctx context.Context) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.backup())
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(s.path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domrepo.ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
