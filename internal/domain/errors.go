package domain

import "fmt"

// RequestError is any failure at the transport boundary: a non-success
// response, a network failure or a body that does not decode.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed: %d", e.Op, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return e.Op + " failed"
}

func (e *RequestError) Unwrap() error { return e.Err }

// StaleDataWarning marks a server record for a task this process no longer
// holds. It is logged, never returned as a failure.
type StaleDataWarning struct {
	ID     string
	Source string
}

func (w StaleDataWarning) Error() string {
	return fmt.Sprintf("stale %s data for task %s no longer in local cache", w.Source, w.ID)
}

// MalformedPersistedState is reported by stores that discard an undecodable payload.
type MalformedPersistedState struct {
	Key string
	Err error
}

func (e MalformedPersistedState) Error() string {
	return fmt.Sprintf("malformed persisted state under %s: %v", e.Key, e.Err)
}

func (e MalformedPersistedState) Unwrap() error { return e.Err }
