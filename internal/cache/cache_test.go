package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtline/internal/domain"
	"courtline/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	tasks   []domain.Task
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load(ctx context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]domain.Task(nil), m.tasks...), nil
}

func (m *memStore) Save(ctx context.Context, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tasks = append([]domain.Task(nil), tasks...)
	return nil
}

func frozen(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func task(id string) domain.Task {
	return domain.Task{ID: id, Status: domain.Pending, TargetDate: "2025-10-01T12:00:00", Duration: 60}
}

func statusPatch(s domain.Status) domain.Patch {
	return domain.Patch{Status: &s}
}

func TestInsertPrependsAndStamps(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{}, WithClock(frozen(1000)))

	require.NoError(t, c.Insert(ctx, task("a")))
	require.NoError(t, c.Insert(ctx, task("b")))

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "a", snap[1].ID)
	assert.Equal(t, int64(1000), snap[1].CreatedAt)
	assert.Equal(t, int64(1001), snap[0].CreatedAt)
	assert.Equal(t, snap[0].CreatedAt, snap[0].UpdatedAt)
}

func TestInsertRejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	c := New(ctx, st)
	require.NoError(t, c.Insert(ctx, task("a")))

	err := c.Insert(ctx, task("a"))
	assert.True(t, errors.Is(err, ErrDuplicateID))

	bad := task("b")
	bad.Duration = 0
	assert.True(t, errors.Is(c.Insert(ctx, bad), ErrInvalidTask))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, st.saves)
}

func TestPatchBumpsUpdatedAtAndKeepsImmutables(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{}, WithClock(frozen(5000)))
	require.NoError(t, c.Insert(ctx, task("t1")))
	before, _ := c.Get("t1")

	result := "court-2"
	require.NoError(t, c.Patch(ctx, "t1", domain.Patch{Status: &domain.InProgress, Result: &result}))
	after, ok := c.Get("t1")
	require.True(t, ok)

	assert.Equal(t, domain.InProgress, after.Status)
	assert.Equal(t, "court-2", after.Result)
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.TargetDate, after.TargetDate)
	assert.Equal(t, before.Duration, after.Duration)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestPatchNoOps(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	c := New(ctx, st)
	require.NoError(t, c.Insert(ctx, task("t1")))
	before, _ := c.Get("t1")

	require.NoError(t, c.Patch(ctx, "missing", statusPatch(domain.Done)))
	require.NoError(t, c.Patch(ctx, "t1", domain.Patch{}))
	require.NoError(t, c.Patch(ctx, "t1", statusPatch(domain.Pending)))

	after, _ := c.Get("t1")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, st.saves)
}

func TestBulkPatchIsOneChange(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	c := New(ctx, st)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Insert(ctx, task(id)))
	}
	var changes []Change
	unsubscribe := c.Subscribe(func(ch Change) { changes = append(changes, ch) })
	defer unsubscribe()
	saves := st.saves

	applied, err := c.BulkPatch(ctx, []string{"a", "c", "zzz"}, statusPatch(domain.Done))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, applied)

	require.Len(t, changes, 1)
	assert.Equal(t, ChangeBulkPatch, changes[0].Kind)
	assert.ElementsMatch(t, []string{"a", "c"}, changes[0].IDs)
	assert.Equal(t, saves+1, st.saves)
	b, _ := c.Get("b")
	assert.Equal(t, domain.Pending, b.Status)

	applied, err = c.BulkPatch(ctx, []string{"a", "c"}, statusPatch(domain.Done))
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Len(t, changes, 1)
}

func TestBulkPatchReportsOnlyAppliedIDs(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Insert(ctx, task(id)))
	}
	// b already matches and c is gone by the time the bulk patch runs
	require.NoError(t, c.Patch(ctx, "b", statusPatch(domain.Done)))
	require.NoError(t, c.Remove(ctx, "c"))

	applied, err := c.BulkPatch(ctx, []string{"a", "b", "c"}, statusPatch(domain.Done))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, applied)
}

func TestRemoveAndClearTombstone(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Insert(ctx, task(id)))
	}
	require.NoError(t, c.Remove(ctx, "b"))
	require.NoError(t, c.Remove(ctx, "b"))
	assert.True(t, c.WasRemoved("b"))
	assert.False(t, c.WasRemoved("a"))
	assert.Equal(t, []string{"c", "a"}, ids(c.Snapshot()))

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.WasRemoved("a"))
	assert.True(t, c.WasRemoved("c"))
}

func TestWriteThroughMatchesFreshLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")
	c := New(ctx, store.File{Path: path})

	steps := []func() error{
		func() error { return c.Insert(ctx, task("t1")) },
		func() error { return c.Insert(ctx, task("t2")) },
		func() error { return c.Patch(ctx, "t1", statusPatch(domain.ParseStatus("queued"))) },
		func() error {
			_, err := c.BulkPatch(ctx, []string{"t1", "t2"}, statusPatch(domain.Done))
			return err
		},
		func() error { return c.Remove(ctx, "t2") },
		func() error { return c.Clear(ctx) },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		want := c.Snapshot()
		got, err := store.File{Path: path}.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "step %d", i)
	}
}

func TestFlushFailureKeepsMemoryChange(t *testing.T) {
	ctx := context.Background()
	st := &memStore{saveErr: errors.New("disk full")}
	c := New(ctx, st)

	err := c.Insert(ctx, task("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, st.saveErr)
	assert.Equal(t, 1, c.Len())
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{loadErr: errors.New("connection refused")})
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Insert(ctx, task("a")))
}

func TestClockStaysAheadOfLoadedTasks(t *testing.T) {
	ctx := context.Background()
	seed := task("old")
	seed.CreatedAt, seed.UpdatedAt = 100, 9000
	c := New(ctx, &memStore{tasks: []domain.Task{seed}}, WithClock(frozen(50)))

	require.NoError(t, c.Patch(ctx, "old", statusPatch(domain.Paused)))
	got, _ := c.Get("old")
	assert.Equal(t, int64(9001), got.UpdatedAt)

	for _, s := range []domain.Status{domain.InProgress, domain.Done} {
		prev := got.UpdatedAt
		require.NoError(t, c.Patch(ctx, "old", statusPatch(s)))
		got, _ = c.Get("old")
		assert.Greater(t, got.UpdatedAt, prev)
	}
}

func TestSubscribeOrderAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{})
	var kinds []ChangeKind
	unsubscribe := c.Subscribe(func(ch Change) { kinds = append(kinds, ch.Kind) })

	require.NoError(t, c.Insert(ctx, task("a")))
	require.NoError(t, c.Patch(ctx, "a", statusPatch(domain.Done)))
	require.NoError(t, c.Remove(ctx, "a"))
	unsubscribe()
	require.NoError(t, c.Insert(ctx, task("b")))

	assert.Equal(t, []ChangeKind{ChangeInsert, ChangePatch, ChangeRemove}, kinds)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &memStore{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Insert(ctx, task(id)))
	}
	require.NoError(t, c.Patch(ctx, "b", statusPatch(domain.Done)))
	require.NoError(t, c.Patch(ctx, "c", statusPatch(domain.ParseStatus("archived"))))

	assert.Equal(t, domain.Stats{Total: 3, Pending: 1, Done: 1, Other: 1}, c.Stats())
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
