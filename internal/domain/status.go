package domain

import "encoding/json"

// StatusKind enumerates the statuses the client understands.
type StatusKind int

const (
	StatusUnrecognized StatusKind = iota
	StatusPending
	StatusInProgress
	StatusPaused
	StatusDone
)

var statusNames = map[string]StatusKind{
	"pending":     StatusPending,
	"in-progress": StatusInProgress,
	"paused":      StatusPaused,
	"done":        StatusDone,
}

// Status is a known status kind or an unrecognized server string. Raw always
// holds the exact string the server sent.
type Status struct {
	Kind StatusKind
	Raw  string
}

var (
	Pending    = Status{Kind: StatusPending, Raw: "pending"}
	InProgress = Status{Kind: StatusInProgress, Raw: "in-progress"}
	Paused     = Status{Kind: StatusPaused, Raw: "paused"}
	Done       = Status{Kind: StatusDone, Raw: "done"}
)

// ParseStatus never fails: unknown strings become StatusUnrecognized.
func ParseStatus(s string) Status {
	if k, ok := statusNames[s]; ok {
		return Status{Kind: k, Raw: s}
	}
	return Status{Kind: StatusUnrecognized, Raw: s}
}

func (s Status) String() string { return s.Raw }

// Known reports whether the status is one of the enumerated kinds.
func (s Status) Known() bool { return s.Kind != StatusUnrecognized }

// Label is the display text for the status.
func (s Status) Label() string {
	switch s.Kind {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusDone:
		return "Done"
	}
	if s.Raw == "" {
		return "(none)"
	}
	return s.Raw + " (unrecognized)"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Raw)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}
