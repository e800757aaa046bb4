package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when an aggregate's stream does not exist or was deleted.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateVersionConflict is returned when the stream is not at the version the caller expected.
	ErrAggregateVersionConflict = errors.New("aggregate version conflict")

	// ErrInvalidArgument is returned for malformed requests, such as a non-positive target version.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDecode is returned when a stored record cannot be turned back into an event.
	ErrDecode = errors.New("event decode failed")

	// ErrUnknownEventType is returned when a record names an event type missing from the registry.
	ErrUnknownEventType = errors.New("unknown event type")
)

// AggregateNotFoundError identifies the aggregate that could not be found.
type AggregateNotFoundError struct {
	AggregateID string
	Stream      string
	// Deleted is set when the stream existed but has been deleted.
	Deleted bool
}

func (e *AggregateNotFoundError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("aggregate not found: %s (stream %s deleted)", e.AggregateID, e.Stream)
	}
	return fmt.Sprintf("aggregate not found: %s", e.AggregateID)
}

func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// AggregateVersionConflictError describes a version mismatch on load or save.
type AggregateVersionConflictError struct {
	AggregateID string
	Stream      string
	// ExpectedVersion is the version the caller asked for (load) or the
	// stream tail the save was based on.
	ExpectedVersion int64
	// ActualVersion is the version found, -1 when unknown.
	ActualVersion int64
	// Err is the underlying store error, if any.
	Err error
}

func (e *AggregateVersionConflictError) Error() string {
	return fmt.Sprintf("aggregate version conflict: %s expected version %d, actual %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *AggregateVersionConflictError) Is(target error) bool {
	return target == ErrAggregateVersionConflict
}

func (e *AggregateVersionConflictError) Unwrap() error {
	return e.Err
}

// DecodeError reports a stored record that could not be decoded.
type DecodeError struct {
	Stream      string
	EventNumber int64
	EventType   string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("decode event %q: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("decode event %s@%d (%q): %v", e.Stream, e.EventNumber, e.EventType, e.Err)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
