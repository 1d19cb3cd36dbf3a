package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"courtline/internal/cache"
	"courtline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (m *memStore) Load(ctx context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Task(nil), m.tasks...), nil
}

func (m *memStore) Save(ctx context.Context, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]domain.Task(nil), tasks...)
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	all      []domain.Snapshot
	allErr   error
	statuses map[string]domain.Snapshot
	errs     map[string]error
	calls    int32
	inflight int32
	maxSeen  int32
	delay    time.Duration
	onFetch  func(id string)
	// gate, when set, holds every status fetch until it is closed.
	gate chan struct{}
}

func (f *fakeSource) FetchAllKnownTasks(ctx context.Context) ([]domain.Snapshot, error) {
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.all, nil
}

func (f *fakeSource) FetchTaskStatus(ctx context.Context, id string) (domain.Snapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.Snapshot{}, &domain.RequestError{Op: "task_status", Err: ctx.Err()}
		}
	}
	if f.onFetch != nil {
		f.onFetch(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return domain.Snapshot{}, err
	}
	s, ok := f.statuses[id]
	if !ok {
		return domain.Snapshot{}, &domain.RequestError{Op: "task_status", StatusCode: 404}
	}
	return s, nil
}

func newCache(t *testing.T, now int64, ids ...string) *cache.Cache {
	t.Helper()
	ctx := context.Background()
	c := cache.New(ctx, &memStore{}, cache.WithClock(func() time.Time { return time.UnixMilli(now) }))
	for i := len(ids) - 1; i >= 0; i-- {
		require.NoError(t, c.Insert(ctx, domain.Task{ID: ids[i], Status: domain.Pending, TargetDate: "2025-10-01T12:00:00", Duration: 60}))
	}
	return c
}

func snap(id, status string) domain.Snapshot {
	return domain.Snapshot{ID: id, Status: domain.ParseStatus(status)}
}

func strptr(s string) *string { return &s }

func TestSyncReconciliationUpdate(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1")
	before, _ := c.Get("t1")
	src := &fakeSource{all: []domain.Snapshot{snap("t1", "in-progress"), snap("t2", "done")}}
	e := New(c, src)

	res, err := e.Sync(ctx)
	require.NoError(t, err)

	after, _ := c.Get("t1")
	assert.Equal(t, domain.InProgress, after.Status)
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []string{"t1"}, res.Updated)
	require.Len(t, res.RemoteOnly, 1)
	assert.Equal(t, "t2", res.RemoteOnly[0].ID)
	assert.Equal(t, res.RemoteOnly, e.RemoteOnly())
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a", "b", "c")
	e := New(c, &fakeSource{})
	batch := []domain.Snapshot{
		{ID: "a", Status: domain.Done, Result: strptr("court-1")},
		snap("b", "in-progress"),
		snap("c", "mystery"),
		snap("x", "pending"),
	}

	_, err := e.Merge(ctx, batch)
	require.NoError(t, err)
	once := c.Snapshot()

	res, err := e.Merge(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, once, c.Snapshot())
	assert.Empty(t, res.Updated)
	assert.Equal(t, 3, res.Unchanged)
}

func TestMergePreservesImmutablesAndResult(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a")
	require.NoError(t, c.Patch(ctx, "a", domain.Patch{Result: strptr("court-3")}))
	before, _ := c.Get("a")

	_, err := New(c, &fakeSource{}).Merge(ctx, []domain.Snapshot{snap("a", "done")})
	require.NoError(t, err)

	after, _ := c.Get("a")
	assert.Equal(t, "court-3", after.Result)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.TargetDate, after.TargetDate)
	assert.Equal(t, before.Duration, after.Duration)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestMergeLastDuplicateWins(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a")
	_, err := New(c, &fakeSource{}).Merge(ctx, []domain.Snapshot{snap("a", "done"), snap("a", "paused")})
	require.NoError(t, err)
	got, _ := c.Get("a")
	assert.Equal(t, domain.Paused, got.Status)
}

func TestMergeGroupsIdenticalPatches(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a", "b", "c")
	var changes []cache.Change
	defer c.Subscribe(func(ch cache.Change) { changes = append(changes, ch) })()

	_, err := New(c, &fakeSource{}).Merge(ctx, []domain.Snapshot{snap("a", "done"), snap("b", "in-progress"), snap("c", "done")})
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.ElementsMatch(t, []string{"a", "c"}, changes[0].IDs)
	assert.Equal(t, []string{"b"}, changes[1].IDs)
}

func TestDeletionIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1", "t2")
	src := &fakeSource{all: []domain.Snapshot{snap("t1", "done"), snap("t2", "done")}}
	e := New(c, src)

	require.NoError(t, c.Remove(ctx, "t1"))
	res, err := e.Sync(ctx)
	require.NoError(t, err)

	_, ok := c.Get("t1")
	assert.False(t, ok)
	assert.Equal(t, []string{"t1"}, res.Stale)
	assert.Empty(t, res.RemoteOnly)
	assert.Equal(t, 1, c.Len())
}

func TestSyncFetchFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1")
	before := c.Snapshot()
	e := New(c, &fakeSource{allErr: &domain.RequestError{Op: "all_progress_tasks", StatusCode: 502}})

	_, err := e.Sync(ctx)
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 502, reqErr.StatusCode)
	assert.Equal(t, before, c.Snapshot())
}

func TestRefreshOne(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1")
	src := &fakeSource{statuses: map[string]domain.Snapshot{"t1": {Status: domain.Done, Result: strptr("court-2")}}}
	e := New(c, src)

	require.NoError(t, e.RefreshOne(ctx, "t1"))
	got, _ := c.Get("t1")
	assert.Equal(t, domain.Done, got.Status)
	assert.Equal(t, "court-2", got.Result)

	assert.ErrorIs(t, e.RefreshOne(ctx, "nope"), cache.ErrNotFound)
}

func TestRefreshOneDropsResultForRemovedTask(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1")
	src := &fakeSource{
		statuses: map[string]domain.Snapshot{"t1": snap("t1", "done")},
		onFetch:  func(id string) { _ = c.Remove(ctx, id) },
	}

	require.NoError(t, New(c, src).RefreshOne(ctx, "t1"))
	assert.Equal(t, 0, c.Len())
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a", "b", "c", "d")
	src := &fakeSource{
		statuses: map[string]domain.Snapshot{
			"a": snap("a", "done"),
			"c": snap("c", "in-progress"),
			"d": snap("d", "paused"),
		},
		errs: map[string]error{"b": errors.New("connection reset")},
	}

	report := New(c, src, WithConcurrency(2)).RefreshAll(ctx)

	assert.Equal(t, 3, report.Refreshed)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed, "b")
	got, _ := c.Get("d")
	assert.Equal(t, domain.Paused, got.Status)
	got, _ = c.Get("b")
	assert.Equal(t, domain.Pending, got.Status)
}

func TestRefreshAllRespectsConcurrency(t *testing.T) {
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	c := newCache(t, 1000, ids...)
	statuses := map[string]domain.Snapshot{}
	for _, id := range ids {
		statuses[id] = snap(id, "done")
	}
	src := &fakeSource{statuses: statuses, delay: 10 * time.Millisecond}

	report := New(c, src, WithConcurrency(2)).RefreshAll(ctx)

	assert.Equal(t, len(ids), report.Refreshed)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.maxSeen), int32(2))
	assert.Equal(t, domain.Stats{Total: 6, Done: 6}, c.Stats())
}

// joinFlight starts RefreshOne in the background once the shared fetch is
// already running, and gives it time to attach to that fetch.
func joinFlight(ctx context.Context, e *Engine, id string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.RefreshOne(ctx, id) }()
	time.Sleep(20 * time.Millisecond)
	return done
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "t1")
	src := &fakeSource{
		statuses: map[string]domain.Snapshot{"t1": snap("t1", "done")},
		gate:     make(chan struct{}),
	}
	e := New(c, src)

	first := joinFlight(ctx, e, "t1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, time.Millisecond)
	var waiters []<-chan error
	for i := 0; i < 4; i++ {
		waiters = append(waiters, joinFlight(ctx, e, "t1"))
	}
	close(src.gate)

	require.NoError(t, <-first)
	for _, w := range waiters {
		require.NoError(t, <-w)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	got, _ := c.Get("t1")
	assert.Equal(t, domain.Done, got.Status)
}

func TestCancelledRefreshDoesNotFailOtherCallers(t *testing.T) {
	c := newCache(t, 1000, "t1")
	src := &fakeSource{
		statuses: map[string]domain.Snapshot{"t1": snap("t1", "done")},
		gate:     make(chan struct{}),
	}
	e := New(c, src)

	cancelCtx, cancel := context.WithCancel(context.Background())
	first := joinFlight(cancelCtx, e, "t1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, time.Millisecond)
	second := joinFlight(context.Background(), e, "t1")

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	got, _ := c.Get("t1")
	assert.Equal(t, domain.Pending, got.Status)

	close(src.gate)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	got, _ = c.Get("t1")
	assert.Equal(t, domain.Done, got.Status)
}

func TestMergeReportsAppliedUpdates(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1000, "a", "b")
	e := New(c, &fakeSource{})

	res, err := e.Merge(ctx, []domain.Snapshot{snap("a", "done"), snap("b", "done"), snap("b", "pending")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
}
