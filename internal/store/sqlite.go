package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"courtline/internal/domain"
)

// SQLite keeps the collection in the kv table of the workspace database.
type SQLite struct {
	DB  *sql.DB
	Key string
	Log *zap.Logger
	Now func() time.Time
}

func (s SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLite) Load(ctx context.Context) ([]domain.Task, error) {
	key := keyOrDefault(s.Key)
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Task{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(key, []byte(payload), loggerOrNop(s.Log)), nil
}

func (s SQLite) Save(ctx context.Context, tasks []domain.Task) error {
	data, err := encode(tasks)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, keyOrDefault(s.Key), string(data), now); err != nil {
		return err
	}
	return tx.Commit()
}

// Raw returns the stored payload as-is, for inspection.
func (s SQLite) Raw(ctx context.Context) (string, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, keyOrDefault(s.Key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return payload, err
}

// PutRaw overwrites the stored payload without validation.
func (s SQLite) PutRaw(ctx context.Context, payload string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, keyOrDefault(s.Key), payload, s.now().UTC().Format(time.RFC3339Nano))
	return err
}
