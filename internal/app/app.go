// Package app wires the workspace database, task store, cache, journal,
// transport, lifecycle coordinator and reconciliation engine into the
// operations the CLI exposes.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"courtline/internal/cache"
	"courtline/internal/config"
	"courtline/internal/db"
	"courtline/internal/domain"
	"courtline/internal/events"
	"courtline/internal/lifecycle"
	"courtline/internal/migrate"
	"courtline/internal/reconcile"
	"courtline/internal/remote"
	"courtline/internal/store"
)

// ErrNotLoggedIn is returned when no owner id is configured or remembered.
var ErrNotLoggedIn = errors.New("no owner id; run `cl login` or set owner.id")

// Remote is everything the app needs from the scheduling service.
type Remote interface {
	lifecycle.Scheduler
	reconcile.Source
}

type Options struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	Now       func() time.Time
	// Remote replaces the HTTP client, mainly for tests.
	Remote Remote
}

type App struct {
	Workspace   string
	Config      *config.Config
	DB          *sql.DB
	Cache       *cache.Cache
	Coordinator lifecycle.Coordinator
	Engine      *reconcile.Engine
	Client      *remote.Client
	Journal     events.Writer
	Log         *zap.Logger

	remote  Remote
	closers []func() error
}

// Open prepares the workspace and seeds the cache from the configured store.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &App{Workspace: opts.Workspace, Config: cfg, Log: log}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	st, closeStore, err := store.Open(ctx, store.Options{
		Driver:    cfg.Store.Driver,
		Key:       cfg.Store.Key,
		Path:      a.resolve(cfg.Store.Path),
		RedisAddr: cfg.Store.RedisAddr,
		DB:        conn,
		Log:       log.Named("store"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	a.remote = opts.Remote
	if a.remote == nil {
		timeout, err := cfg.ServiceTimeout()
		if err != nil {
			a.Close()
			return nil, err
		}
		client, err := remote.New(remote.Options{
			BaseURL:     cfg.Service.BaseURL,
			Timeout:     timeout,
			SessionPath: db.StatePath(opts.Workspace, "session.json"),
			Log:         log.Named("remote"),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Client = client
		a.remote = client
	}

	a.Cache = cache.New(ctx, st, cache.WithLogger(log.Named("cache")), cache.WithClock(now))
	a.Journal = events.Writer{DB: conn, Now: now, Log: log.Named("journal")}
	unsubscribe := a.Cache.Subscribe(func(ch cache.Change) { a.Journal.Record(context.Background(), ch) })
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })

	a.Coordinator = lifecycle.New(a.Cache, a.remote, log.Named("lifecycle"))
	a.Engine = reconcile.New(a.Cache, a.remote,
		reconcile.WithLogger(log.Named("reconcile")),
		reconcile.WithConcurrency(cfg.Refresh.Concurrency))
	return a, nil
}

func (a *App) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	ws := a.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, path)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OwnerID prefers owner.id from config, then the last login.
func (a *App) OwnerID() (string, error) {
	if a.Config.Owner.ID != "" {
		return a.Config.Owner.ID, nil
	}
	if a.Client != nil && a.Client.Session.LoggedIn() {
		return a.Client.Session.UserID, nil
	}
	return "", ErrNotLoggedIn
}

func (a *App) Login(ctx context.Context, username, password string) (string, error) {
	if a.Client == nil {
		return "", errors.New("login needs the HTTP transport")
	}
	return a.Client.Login(ctx, username, password)
}

func (a *App) Logout(ctx context.Context) error {
	if a.Client == nil {
		return nil
	}
	return a.Client.Logout(ctx)
}

// Draft builds a lifecycle draft from separate date and time inputs. An empty
// clock uses reservation.default_time.
func (a *App) Draft(date, clock string, duration int) (lifecycle.Draft, error) {
	if clock == "" {
		clock = a.Config.Reservation.DefaultTime
	}
	target, err := lifecycle.TargetFromParts(date, clock)
	if err != nil {
		return lifecycle.Draft{}, err
	}
	if !a.Config.AllowsDuration(duration) {
		return lifecycle.Draft{}, fmt.Errorf("%w: duration %d not in %v", lifecycle.ErrInvalidDraft, duration, a.Config.Reservation.Durations)
	}
	owner, err := a.OwnerID()
	if err != nil {
		return lifecycle.Draft{}, err
	}
	return lifecycle.Draft{OwnerID: owner, TargetDate: target, Duration: duration}, nil
}

func (a *App) CheckAvailability(ctx context.Context, d lifecycle.Draft) ([]string, error) {
	return a.Coordinator.CheckAvailability(ctx, d)
}

func (a *App) CreateTask(ctx context.Context, d lifecycle.Draft) (*lifecycle.Attempt, error) {
	return a.Coordinator.CreateTask(ctx, d)
}

func (a *App) RefreshOne(ctx context.Context, id string) error {
	return a.Engine.RefreshOne(ctx, id)
}

func (a *App) RefreshAll(ctx context.Context) reconcile.RefreshReport {
	return a.Engine.RefreshAll(ctx)
}

func (a *App) Sync(ctx context.Context) (reconcile.MergeResult, error) {
	return a.Engine.Sync(ctx)
}

func (a *App) DeleteTask(ctx context.Context, id string) error {
	return a.Coordinator.DeleteTask(ctx, id)
}

func (a *App) ClearAll(ctx context.Context) error {
	return a.Coordinator.ClearAll(ctx)
}

// Tasks lists cached tasks, most recent first. A non-empty status keeps only
// tasks whose raw status matches.
func (a *App) Tasks(status string) []domain.Task {
	tasks := a.Cache.Snapshot()
	if status == "" {
		return tasks
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Status.Raw == status {
			out = append(out, t)
		}
	}
	return out
}

func (a *App) Stats() domain.Stats {
	return a.Cache.Stats()
}

func (a *App) RemoteOnly() []domain.Snapshot {
	return a.Engine.RemoteOnly()
}

// Events returns the newest journal entries.
func (a *App) Events(ctx context.Context, limit int, evtType string) ([]events.Event, error) {
	return events.Latest(ctx, a.DB, limit, evtType, "")
}
