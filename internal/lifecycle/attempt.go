package lifecycle

import (
	"fmt"

	"courtline/internal/domain"
)

type State string

const (
	Drafted              State = "draft"
	CheckingAvailability State = "checking_availability"
	NoAvailability       State = "no_availability"
	Submitting           State = "submitting"
	Created              State = "created"
	Failed               State = "failed"
)

var transitions = map[State][]State{
	Drafted:              {CheckingAvailability, Failed},
	CheckingAvailability: {NoAvailability, Submitting, Failed},
	Submitting:           {Created, Failed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

func ensureTransition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, from, to)
}

// Attempt is one run of the creation protocol. It is never persisted; a
// retry starts a new attempt from the same draft.
type Attempt struct {
	Draft   Draft
	State   State
	Slots   []string
	Task    domain.Task
	Err     error
	history []State
}

func NewAttempt(d Draft) *Attempt {
	return &Attempt{Draft: d, State: Drafted, history: []State{Drafted}}
}

// History lists the states the attempt went through, in order.
func (a *Attempt) History() []State {
	return append([]State(nil), a.history...)
}

func (a *Attempt) moveTo(to State) error {
	if err := ensureTransition(a.State, to); err != nil {
		return err
	}
	a.State = to
	a.history = append(a.history, to)
	return nil
}

func (a *Attempt) fail(err error) error {
	if terr := a.moveTo(Failed); terr != nil {
		return terr
	}
	a.Err = err
	return err
}
