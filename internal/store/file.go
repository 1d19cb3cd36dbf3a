package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"courtline/internal/domain"
)

// File keeps the collection in a JSON file. The file path is the durable key.
type File struct {
	Path string
	Log  *zap.Logger
}

func (f File) Load(ctx context.Context) ([]domain.Task, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Task{}, nil
		}
		return nil, err
	}
	return decode(f.Path, data, loggerOrNop(f.Log)), nil
}

// Save writes through a temp file and renames it over the target.
func (f File) Save(ctx context.Context, tasks []domain.Task) error {
	data, err := encode(tasks)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}
