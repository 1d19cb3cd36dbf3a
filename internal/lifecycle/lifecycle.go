// Package lifecycle drives a reservation from draft to a cached task:
// availability check first, submission only on a non-empty answer, then a
// pending task inserted under the server-issued id.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"courtline/internal/cache"
	"courtline/internal/domain"
)

// NoAvailabilityMessage is shown to the user when no court is free.
const NoAvailabilityMessage = "No available courts found for the selected date and duration."

var (
	ErrInvalidDraft      = errors.New("invalid draft")
	ErrNoAvailability    = errors.New("no available courts")
	ErrIllegalTransition = errors.New("illegal attempt transition")
)

// Scheduler is the write side of the scheduling service.
type Scheduler interface {
	CheckAvailability(ctx context.Context, ownerID, targetDate string, duration int) ([]string, error)
	SubmitReservation(ctx context.Context, ownerID, targetDate string, duration int) (string, error)
	DeleteRemoteTask(ctx context.Context, taskID string) error
}

// Draft is the user input for one reservation.
type Draft struct {
	OwnerID    string
	TargetDate string
	Duration   int
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidDraft)
	}
	if _, err := time.Parse(domain.TargetLayout, d.TargetDate); err != nil {
		return fmt.Errorf("%w: target date %q must look like 2025-10-01T12:00:00", ErrInvalidDraft, d.TargetDate)
	}
	if d.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidDraft)
	}
	return nil
}

// TargetFromParts joins a YYYY-MM-DD date and an HH or HH:MM time into a
// target date.
func TargetFromParts(date, clock string) (string, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if !strings.Contains(clock, ":") {
		clock += ":00"
	}
	t, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		return "", fmt.Errorf("%w: date %q time %q", ErrInvalidDraft, date, clock)
	}
	return t.Format(domain.TargetLayout), nil
}

type Coordinator struct {
	Cache     *cache.Cache
	Scheduler Scheduler
	Log       *zap.Logger
}

func New(c *cache.Cache, s Scheduler, log *zap.Logger) Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return Coordinator{Cache: c, Scheduler: s, Log: log}
}

func (c Coordinator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// CreateTask runs a fresh attempt for d. The attempt is returned in every
// case so callers can inspect where it stopped and retry from its draft.
func (c Coordinator) CreateTask(ctx context.Context, d Draft) (*Attempt, error) {
	a := NewAttempt(d)
	_, err := c.Run(ctx, a)
	return a, err
}

// Run drives a draft attempt to a terminal state.
func (c Coordinator) Run(ctx context.Context, a *Attempt) (domain.Task, error) {
	if a.State != Drafted {
		return domain.Task{}, fmt.Errorf("%w: run from %s", ErrIllegalTransition, a.State)
	}
	if err := a.Draft.Validate(); err != nil {
		return domain.Task{}, a.fail(err)
	}
	d := a.Draft

	if err := a.moveTo(CheckingAvailability); err != nil {
		return domain.Task{}, err
	}
	slots, err := c.Scheduler.CheckAvailability(ctx, d.OwnerID, d.TargetDate, d.Duration)
	if err != nil {
		return domain.Task{}, a.fail(fmt.Errorf("check availability: %w", err))
	}
	a.Slots = slots
	if len(slots) == 0 {
		if err := a.moveTo(NoAvailability); err != nil {
			return domain.Task{}, err
		}
		a.Err = ErrNoAvailability
		return domain.Task{}, ErrNoAvailability
	}

	if err := a.moveTo(Submitting); err != nil {
		return domain.Task{}, err
	}
	id, err := c.Scheduler.SubmitReservation(ctx, d.OwnerID, d.TargetDate, d.Duration)
	if err != nil {
		return domain.Task{}, a.fail(fmt.Errorf("submit reservation: %w", err))
	}
	task := domain.Task{ID: id, Status: domain.Pending, TargetDate: d.TargetDate, Duration: d.Duration}
	if err := c.Cache.Insert(ctx, task); err != nil {
		if errors.Is(err, cache.ErrDuplicateID) || errors.Is(err, cache.ErrInvalidTask) {
			return domain.Task{}, a.fail(fmt.Errorf("record task %q: %w", id, err))
		}
		// flush failure: the task is cached for this session and already logged
	}
	stored, _ := c.Cache.Get(id)
	if err := a.moveTo(Created); err != nil {
		return domain.Task{}, err
	}
	a.Task = stored
	c.log().Info("task created", zap.String("id", id), zap.String("target_date", d.TargetDate), zap.Int("duration", d.Duration), zap.Strings("courts", slots))
	return stored, nil
}

// CheckAvailability is the standalone availability query.
func (c Coordinator) CheckAvailability(ctx context.Context, d Draft) ([]string, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	slots, err := c.Scheduler.CheckAvailability(ctx, d.OwnerID, d.TargetDate, d.Duration)
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	return slots, nil
}

// DeleteTask removes the task on the server and, only when that succeeds,
// from the cache.
func (c Coordinator) DeleteTask(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("task id is required")
	}
	if err := c.Scheduler.DeleteRemoteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if err := c.Cache.Remove(ctx, id); err != nil {
		return err
	}
	c.log().Info("task deleted", zap.String("id", id))
	return nil
}

// ClearAll empties the local cache. Server tasks remain.
func (c Coordinator) ClearAll(ctx context.Context) error {
	n := c.Cache.Len()
	if err := c.Cache.Clear(ctx); err != nil {
		return err
	}
	c.log().Info("local tasks cleared", zap.Int("count", n))
	return nil
}
