// Package cache holds the in-process task collection. Every mutation is
// flushed to the backing store before it returns and then announced to
// subscribers, all under one lock, so no two mutations interleave.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"courtline/internal/domain"
	"courtline/internal/store"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("task id already present")
	ErrInvalidTask = errors.New("invalid task")
)

type ChangeKind string

const (
	ChangeInsert    ChangeKind = "task.insert"
	ChangePatch     ChangeKind = "task.patch"
	ChangeBulkPatch ChangeKind = "task.bulk_patch"
	ChangeRemove    ChangeKind = "task.remove"
	ChangeClear     ChangeKind = "task.clear"
)

// Change describes one effective mutation. Tasks holds the affected tasks as
// they are after the mutation, or as they were for removals.
type Change struct {
	Kind  ChangeKind
	IDs   []string
	Tasks []domain.Task
}

type Option func(*Cache)

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock replaces time.Now as the source of timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

type Cache struct {
	mu      sync.Mutex
	store   store.Store
	log     *zap.Logger
	now     func() time.Time
	tasks   []domain.Task
	removed map[string]struct{}
	last    int64
	subs    []subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(Change)
}

// New seeds the cache from a single store load. A load error leaves the
// cache empty.
func New(ctx context.Context, st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:   st,
		log:     zap.NewNop(),
		now:     time.Now,
		removed: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	tasks, err := st.Load(ctx)
	if err != nil {
		c.log.Warn("task store unavailable, starting empty", zap.Error(err))
		tasks = nil
	}
	c.tasks = make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		c.tasks = append(c.tasks, t)
		if t.UpdatedAt > c.last {
			c.last = t.UpdatedAt
		}
	}
	return c
}

// stamp is a logical clock: wall time in milliseconds, forced strictly
// above every timestamp handed out or loaded so far.
func (c *Cache) stamp() int64 {
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

func (c *Cache) indexOf(id string) int {
	for i := range c.tasks {
		if c.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Insert prepends t. Zero timestamps are stamped with the cache clock.
func (c *Cache) Insert(ctx context.Context, t domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.CreatedAt == 0 {
		t.CreatedAt = c.stamp()
		t.UpdatedAt = t.CreatedAt
	} else if t.UpdatedAt > c.last {
		c.last = t.UpdatedAt
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if c.indexOf(t.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	c.tasks = append([]domain.Task{t}, c.tasks...)
	delete(c.removed, t.ID)
	return c.commit(ctx, Change{Kind: ChangeInsert, IDs: []string{t.ID}, Tasks: []domain.Task{t}})
}

// Patch updates the task with the given id. An absent id or a patch that
// changes nothing is a no-op.
func (c *Cache) Patch(ctx context.Context, id string, p domain.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 || p.IsZero() {
		return nil
	}
	next, changed := p.Apply(c.tasks[i])
	if !changed {
		return nil
	}
	next.UpdatedAt = c.stamp()
	c.tasks[i] = next
	return c.commit(ctx, Change{Kind: ChangePatch, IDs: []string{id}, Tasks: []domain.Task{next}})
}

// BulkPatch applies p to every listed id that is present, as one change. It
// returns the ids the patch actually changed, in cache order.
func (c *Cache) BulkPatch(ctx context.Context, ids []string, p domain.Patch) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsZero() || len(ids) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var (
		stamp   int64
		changed Change
	)
	for i := range c.tasks {
		if _, ok := want[c.tasks[i].ID]; !ok {
			continue
		}
		next, ok := p.Apply(c.tasks[i])
		if !ok {
			continue
		}
		if stamp == 0 {
			stamp = c.stamp()
		}
		next.UpdatedAt = stamp
		c.tasks[i] = next
		changed.IDs = append(changed.IDs, next.ID)
		changed.Tasks = append(changed.Tasks, next)
	}
	if len(changed.IDs) == 0 {
		return nil, nil
	}
	changed.Kind = ChangeBulkPatch
	return changed.IDs, c.commit(ctx, changed)
}

// Remove deletes the task and remembers the id as removed.
func (c *Cache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return nil
	}
	gone := c.tasks[i]
	c.tasks = append(c.tasks[:i:i], c.tasks[i+1:]...)
	c.removed[id] = struct{}{}
	return c.commit(ctx, Change{Kind: ChangeRemove, IDs: []string{id}, Tasks: []domain.Task{gone}})
}

// Clear drops every task. Confirmation belongs to the caller.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		ids = append(ids, t.ID)
		c.removed[t.ID] = struct{}{}
	}
	gone := c.tasks
	c.tasks = []domain.Task{}
	return c.commit(ctx, Change{Kind: ChangeClear, IDs: ids, Tasks: gone})
}

// commit flushes the collection and notifies subscribers. Callers hold mu.
// The in-memory change stands even when the flush fails.
func (c *Cache) commit(ctx context.Context, ch Change) error {
	err := c.store.Save(ctx, c.copyTasks())
	if err != nil {
		c.log.Warn("task store flush failed", zap.String("change", string(ch.Kind)), zap.Strings("ids", ch.IDs), zap.Error(err))
		err = fmt.Errorf("flush %s: %w", ch.Kind, err)
	}
	for _, s := range c.subs {
		s.fn(ch)
	}
	return err
}

func (c *Cache) copyTasks() []domain.Task {
	out := make([]domain.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Snapshot returns the tasks in display order, most recent first.
func (c *Cache) Snapshot() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyTasks()
}

func (c *Cache) Get(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		return c.tasks[i], true
	}
	return domain.Task{}, false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *Cache) Stats() domain.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Count(c.tasks)
}

// WasRemoved reports whether id was removed or cleared by this process.
func (c *Cache) WasRemoved(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.removed[id]
	return ok
}

// Subscribe registers fn for every effective mutation. fn runs under the
// cache lock and must not call back into the cache.
func (c *Cache) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}
