package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courtline/internal/domain"
)

var (
	errTaskNotFound = errors.New("task not found")
	errNoCourt      = errors.New("no court available for the requested slot")
)

// reservation is one accepted task on the board.
type reservation struct {
	ID        string
	UserID    string
	Court     string
	Start     time.Time
	End       time.Time
	Duration  int
	CreatedAt time.Time

	override *statusOverride
}

type statusOverride struct {
	Status string
	Result *string
}

// board is the in-memory court schedule. Status advances on a fixed clock:
// pending for one step, in-progress for the next, then done.
type board struct {
	mu     sync.Mutex
	courts []string
	step   time.Duration
	now    func() time.Time
	tasks  map[string]*reservation
}

func newBoard(courts []string, step time.Duration, now func() time.Time) *board {
	if now == nil {
		now = time.Now
	}
	return &board{courts: append([]string(nil), courts...), step: step, now: now, tasks: map[string]*reservation{}}
}

func parseSlot(targetDate string, duration int) (time.Time, time.Time, error) {
	start, err := time.Parse(domain.TargetLayout, targetDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid target_date %q", targetDate)
	}
	if duration <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid duration %d", duration)
	}
	return start, start.Add(time.Duration(duration) * time.Minute), nil
}

// available lists courts with no reservation overlapping [start, end).
func (b *board) available(start, end time.Time) []string {
	busy := map[string]bool{}
	for _, r := range b.tasks {
		if r.Start.Before(end) && start.Before(r.End) {
			busy[r.Court] = true
		}
	}
	free := []string{}
	for _, c := range b.courts {
		if !busy[c] {
			free = append(free, c)
		}
	}
	return free
}

func (b *board) Available(targetDate string, duration int) ([]string, error) {
	start, end, err := parseSlot(targetDate, duration)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available(start, end), nil
}

// Start books the first free court.
func (b *board) Start(userID, targetDate string, duration int) (*reservation, error) {
	start, end, err := parseSlot(targetDate, duration)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	free := b.available(start, end)
	if len(free) == 0 {
		return nil, errNoCourt
	}
	r := &reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Court:     free[0],
		Start:     start,
		End:       end,
		Duration:  duration,
		CreatedAt: b.now(),
	}
	b.tasks[r.ID] = r
	return r, nil
}

func (b *board) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[id]; !ok {
		return errTaskNotFound
	}
	delete(b.tasks, id)
	return nil
}

// Override pins a task to the given status until the next override.
func (b *board) Override(id, status string, result *string) (taskView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.tasks[id]
	if !ok {
		return taskView{}, errTaskNotFound
	}
	r.override = &statusOverride{Status: status, Result: result}
	return b.view(r), nil
}

type taskView struct {
	ID     string
	Status string
	Result *string
}

func (b *board) view(r *reservation) taskView {
	if r.override != nil {
		return taskView{ID: r.ID, Status: r.override.Status, Result: r.override.Result}
	}
	if b.step <= 0 {
		return taskView{ID: r.ID, Status: domain.Pending.Raw}
	}
	elapsed := b.now().Sub(r.CreatedAt)
	switch {
	case elapsed < b.step:
		return taskView{ID: r.ID, Status: domain.Pending.Raw}
	case elapsed < 2*b.step:
		return taskView{ID: r.ID, Status: domain.InProgress.Raw}
	default:
		result := fmt.Sprintf("%s reserved %s for %d minutes", r.Court, r.Start.Format(domain.TargetLayout), r.Duration)
		return taskView{ID: r.ID, Status: domain.Done.Raw, Result: &result}
	}
}

func (b *board) Status(id string) (taskView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.tasks[id]
	if !ok {
		return taskView{}, errTaskNotFound
	}
	return b.view(r), nil
}

// All returns every task, oldest first.
func (b *board) All() []taskView {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := make([]*reservation, 0, len(b.tasks))
	for _, r := range b.tasks {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
	out := make([]taskView, 0, len(rs))
	for _, r := range rs {
		out = append(out, b.view(r))
	}
	return out
}
