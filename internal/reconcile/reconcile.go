// Package reconcile merges server-reported task snapshots into the local
// cache. Only status and result ever flow from the server; tasks the cache
// does not hold are kept in a separate remote-only view and never inserted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"courtline/internal/cache"
	"courtline/internal/domain"
)

// DefaultConcurrency bounds RefreshAll when no limit is configured.
const DefaultConcurrency = 4

// DefaultFetchTimeout caps a shared status fetch, which outlives the
// cancellation of any single caller.
const DefaultFetchTimeout = 30 * time.Second

// Source is the read side of the scheduling service.
type Source interface {
	FetchTaskStatus(ctx context.Context, taskID string) (domain.Snapshot, error)
	FetchAllKnownTasks(ctx context.Context) ([]domain.Snapshot, error)
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithFetchTimeout bounds each status fetch shared by concurrent refreshes.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.fetchTimeout = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

type Engine struct {
	cache        *cache.Cache
	src          Source
	log          *zap.Logger
	concurrency  int
	fetchTimeout time.Duration
	flights      singleflight.Group

	mu         sync.Mutex
	remoteOnly []domain.Snapshot
}

func New(c *cache.Cache, src Source, opts ...Option) *Engine {
	e := &Engine{cache: c, src: src, log: zap.NewNop(), concurrency: DefaultConcurrency, fetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MergeResult summarizes one merge.
type MergeResult struct {
	Updated    []string          `json:"updated"`
	Unchanged  int               `json:"unchanged"`
	RemoteOnly []domain.Snapshot `json:"remote_only"`
	Stale      []string          `json:"stale"`
}

// Merge applies a batch of snapshots. Duplicate ids collapse to the last
// one in the batch. Snapshots with the same effect go through one BulkPatch.
// Merging the same batch twice leaves the cache as merging it once.
func (e *Engine) Merge(ctx context.Context, snaps []domain.Snapshot) (MergeResult, error) {
	var res MergeResult
	groups := map[string]*group{}
	var order []string
	for _, s := range dedupe(snaps) {
		cur, ok := e.cache.Get(s.ID)
		if !ok {
			if e.cache.WasRemoved(s.ID) {
				e.warnStale(s.ID, "merge")
				res.Stale = append(res.Stale, s.ID)
				continue
			}
			res.RemoteOnly = append(res.RemoteOnly, s)
			continue
		}
		p := domain.PatchFrom(s)
		if _, changed := p.Apply(cur); !changed {
			res.Unchanged++
			continue
		}
		k := p.Key()
		g, ok := groups[k]
		if !ok {
			g = &group{patch: p}
			groups[k] = g
			order = append(order, k)
		}
		g.ids = append(g.ids, s.ID)
	}

	// Updated reports what BulkPatch applied under the cache lock; a task
	// patched or removed since the lookup above counts as unchanged.
	var errs []error
	for _, k := range order {
		g := groups[k]
		applied, err := e.cache.BulkPatch(ctx, g.ids, g.patch)
		if err != nil {
			errs = append(errs, err)
		}
		res.Updated = append(res.Updated, applied...)
		res.Unchanged += len(g.ids) - len(applied)
	}

	e.mu.Lock()
	e.remoteOnly = append([]domain.Snapshot(nil), res.RemoteOnly...)
	e.mu.Unlock()

	e.log.Debug("merged snapshots",
		zap.Int("received", len(snaps)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("remote_only", len(res.RemoteOnly)),
		zap.Int("stale", len(res.Stale)))
	return res, errors.Join(errs...)
}

type group struct {
	patch domain.Patch
	ids   []string
}

// dedupe keeps first-seen order and the last value for each id.
func dedupe(snaps []domain.Snapshot) []domain.Snapshot {
	pos := make(map[string]int, len(snaps))
	out := make([]domain.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.ID == "" {
			continue
		}
		if i, ok := pos[s.ID]; ok {
			out[i] = s
			continue
		}
		pos[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}

// RemoteOnly returns the server-known tasks the cache does not hold, as of
// the last merge.
func (e *Engine) RemoteOnly() []domain.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Snapshot(nil), e.remoteOnly...)
}

// Sync fetches every task the server knows and merges them. A failed fetch
// leaves the cache untouched.
func (e *Engine) Sync(ctx context.Context) (MergeResult, error) {
	snaps, err := e.src.FetchAllKnownTasks(ctx)
	if err != nil {
		return MergeResult{}, fmt.Errorf("sync: %w", err)
	}
	return e.Merge(ctx, snaps)
}

// RefreshOne fetches one task's status and patches it in. The id must be in
// the cache when the call starts. A result for a task removed in the meantime
// is dropped.
func (e *Engine) RefreshOne(ctx context.Context, id string) error {
	_, err := e.refresh(ctx, id)
	return err
}

func (e *Engine) refresh(ctx context.Context, id string) (stale bool, err error) {
	if _, ok := e.cache.Get(id); !ok {
		return false, fmt.Errorf("%w: %s", cache.ErrNotFound, id)
	}
	// The shared fetch must not inherit one caller's cancellation; each
	// caller stops waiting on its own ctx instead.
	ch := e.flights.DoChan(id, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.fetchTimeout)
		defer cancel()
		return e.src.FetchTaskStatus(fctx, id)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return false, res.Err
	}
	snap := res.Val.(domain.Snapshot)
	snap.ID = id
	if _, ok := e.cache.Get(id); !ok {
		e.warnStale(id, "status")
		return true, nil
	}
	e.log.Debug("refreshed task", zap.String("id", id), zap.String("status", snap.Status.Raw))
	return false, e.cache.Patch(ctx, id, domain.PatchFrom(snap))
}

// RefreshReport collects the outcome of RefreshAll.
type RefreshReport struct {
	Refreshed int
	Failed    map[string]error
	Stale     []string
}

// RefreshAll refreshes every cached task with bounded concurrency. A failed
// task is recorded and does not stop the others.
func (e *Engine) RefreshAll(ctx context.Context) RefreshReport {
	tasks := e.cache.Snapshot()
	report := RefreshReport{Failed: map[string]error{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, t := range tasks {
		id := t.ID
		g.Go(func() error {
			stale, err := e.refresh(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, cache.ErrNotFound):
				report.Stale = append(report.Stale, id)
			case err != nil:
				report.Failed[id] = err
			case stale:
				report.Stale = append(report.Stale, id)
			default:
				report.Refreshed++
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stale)
	if len(report.Failed) > 0 {
		e.log.Warn("refresh finished with failures", zap.Int("failed", len(report.Failed)), zap.Int("refreshed", report.Refreshed))
	}
	return report
}

func (e *Engine) warnStale(id, source string) {
	e.log.Warn("ignoring server data for removed task", zap.Error(domain.StaleDataWarning{ID: id, Source: source}))
}
