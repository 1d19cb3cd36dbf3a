package domain

import (
	"errors"
	"fmt"
	"time"
)

// TargetLayout is the wire and storage layout of Task.TargetDate.
const TargetLayout = "2006-01-02T15:04:05"

// Task is a locally tracked reservation request. ID, TargetDate, Duration and
// CreatedAt are write-once; only Status and Result change after insert.
type Task struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	TargetDate string `json:"target_date"`
	Duration   int    `json:"duration"`
	Result     string `json:"result,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Validate checks the invariants a stored or inserted task must satisfy.
func (t Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, err := time.Parse(TargetLayout, t.TargetDate); err != nil {
		return fmt.Errorf("task %s: invalid target_date %q", t.ID, t.TargetDate)
	}
	if t.Duration <= 0 {
		return fmt.Errorf("task %s: duration must be positive", t.ID)
	}
	if t.UpdatedAt < t.CreatedAt {
		return fmt.Errorf("task %s: updatedAt before createdAt", t.ID)
	}
	return nil
}

// Target parses TargetDate in the local zone.
func (t Task) Target() (time.Time, error) {
	return time.ParseInLocation(TargetLayout, t.TargetDate, time.Local)
}

// Snapshot is one task as currently reported by the scheduling service.
type Snapshot struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Result *string `json:"result,omitempty"`
}

// Patch is a partial update. Only the mutable fields of Task are addressable.
type Patch struct {
	Status *Status
	Result *string
}

// PatchFrom builds the patch a snapshot applies to its local task.
func PatchFrom(s Snapshot) Patch {
	st := s.Status
	p := Patch{Status: &st}
	if s.Result != nil {
		r := *s.Result
		p.Result = &r
	}
	return p
}

// IsZero reports whether the patch touches nothing.
func (p Patch) IsZero() bool {
	return p.Status == nil && p.Result == nil
}

// Apply returns t with the patch applied and whether anything changed.
func (p Patch) Apply(t Task) (Task, bool) {
	changed := false
	if p.Status != nil && *p.Status != t.Status {
		t.Status = *p.Status
		changed = true
	}
	if p.Result != nil && *p.Result != t.Result {
		t.Result = *p.Result
		changed = true
	}
	return t, changed
}

// Key identifies patches with identical effect, so they can be applied together.
func (p Patch) Key() string {
	k := "-"
	if p.Status != nil {
		k = "s:" + p.Status.Raw
	}
	if p.Result != nil {
		k += "\x00r:" + *p.Result
	}
	return k
}

// Stats counts tasks per status kind.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Done    int `json:"done"`
	Other   int `json:"other"`
}

// Count tallies tasks.
func Count(tasks []Task) Stats {
	var s Stats
	for _, t := range tasks {
		s.Total++
		switch t.Status.Kind {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.Running++
		case StatusPaused:
			s.Paused++
		case StatusDone:
			s.Done++
		default:
			s.Other++
		}
	}
	return s
}
