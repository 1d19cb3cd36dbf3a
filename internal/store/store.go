// Package store persists the task collection as one serialized sequence under
// a single durable key. Every Save is a full overwrite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"courtline/internal/domain"
)

// DefaultKey is the durable key the task collection lives under.
const DefaultKey = "courtline:tasks:v1"

// Store is the passive durability sink behind the task cache.
type Store interface {
	// Load returns the saved collection. A missing or malformed payload
	// yields an empty slice and a nil error.
	Load(ctx context.Context) ([]domain.Task, error)
	// Save overwrites the persisted collection.
	Save(ctx context.Context, tasks []domain.Task) error
}

// decode turns a raw payload into tasks. Anything that does not decode into a
// valid, duplicate-free task list is discarded as a whole.
func decode(key string, raw []byte, log *zap.Logger) []domain.Task {
	if len(raw) == 0 {
		return []domain.Task{}
	}
	tasks, err := parse(raw)
	if err != nil {
		if log != nil {
			log.Warn("discarding persisted tasks", zap.Error(domain.MalformedPersistedState{Key: key, Err: err}))
		}
		return []domain.Task{}
	}
	return tasks
}

func parse(raw []byte) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		return []domain.Task{}, nil
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return tasks, nil
}

func encode(tasks []domain.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("encode tasks: %w", err)
	}
	return data, nil
}

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

func keyOrDefault(key string) string {
	if key == "" {
		return DefaultKey
	}
	return key
}

func loggerOrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
