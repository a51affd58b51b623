package worldline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an event id does not exist in a run.
	ErrNotFound = errors.New("worldline: event not found")
	// ErrRunNotFound is returned when a run has no events.
	ErrRunNotFound = errors.New("worldline: run not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worldline: closed")
	// ErrInvalidPayload is returned when a payload cannot be canonicalized.
	ErrInvalidPayload = errors.New("worldline: invalid payload")
	// ErrInvalidEvent is returned for events missing a run id or carrying an unknown type.
	ErrInvalidEvent = errors.New("worldline: invalid event")
	// ErrInvalidRange is returned when a slice's lower bound follows its upper bound.
	ErrInvalidRange = errors.New("worldline: invalid range")
)

// StorageError reports a backing store failure. The operation may be retried.
type StorageError struct {
	Op    string
	RunID string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("worldline: storage %s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable is always true for storage failures.
func (e *StorageError) Retryable() bool { return true }

// HashChainBrokenError reports an integrity failure. It is fatal for the run: once
// observed, every later append or read on the run returns the same error.
type HashChainBrokenError struct {
	RunID   string
	EventID string
	Seq     uint64
	Reason  string
}

func (e *HashChainBrokenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("worldline: hash chain broken in run %s at event %s", e.RunID, e.EventID)
	}
	return fmt.Sprintf("worldline: hash chain broken in run %s at event %s: %s", e.RunID, e.EventID, e.Reason)
}

func storageErr(op, runID string, err error) error {
	var broken *HashChainBrokenError
	if errors.As(err, &broken) || errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
		return err
	}
	return &StorageError{Op: op, RunID: runID, Err: err}
}
