package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver    string
	Key       string
	Path      string
	RedisAddr string
	DB        *sql.DB
	Log       *zap.Logger
}

// Open builds the configured backend. The returned close func releases
// backend-owned resources; the sqlite handle stays owned by the caller.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.DB == nil {
			return nil, nil, fmt.Errorf("sqlite store: database handle required")
		}
		return SQLite{DB: opts.DB, Key: opts.Key, Log: opts.Log}, noop, nil
	case DriverFile:
		if opts.Path == "" {
			return nil, nil, fmt.Errorf("file store: path required")
		}
		return File{Path: opts.Path, Log: opts.Log}, noop, nil
	case DriverRedis:
		r, err := NewRedis(ctx, opts.RedisAddr, opts.Key, opts.Log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownDriver, opts.Driver)
	}
}
