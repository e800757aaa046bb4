package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExpectedVersion is the optimistic concurrency token passed to AppendToStream.
// Values >= 0 name the event number the stream's tail must currently have.
type ExpectedVersion int64

const (
	// NoStream requires that the stream does not exist yet.
	NoStream ExpectedVersion = -1

	// Any disables the concurrency check.
	Any ExpectedVersion = -2
)

func (v ExpectedVersion) String() string {
	switch v {
	case NoStream:
		return "no-stream"
	case Any:
		return "any"
	default:
		return fmt.Sprintf("%d", int64(v))
	}
}

// Matches reports whether a stream whose last event number is tail
// satisfies the expectation. tail is -1 for a stream without events.
func (v ExpectedVersion) Matches(tail int64) bool {
	switch v {
	case Any:
		return true
	case NoStream:
		return tail == -1
	default:
		return int64(v) == tail
	}
}

var (
	// ErrWrongExpectedVersion is returned when a conditional append or delete
	// finds the stream at a different version than expected.
	ErrWrongExpectedVersion = errors.New("wrong expected version")

	// ErrStreamDeleted is returned when writing to a stream that has been deleted.
	ErrStreamDeleted = errors.New("stream deleted")

	// ErrInvalidRead is returned for malformed read requests (negative start, non-positive count).
	ErrInvalidRead = errors.New("invalid read request")
)

// WrongExpectedVersionError carries the details of a failed concurrency check.
type WrongExpectedVersionError struct {
	Stream   string
	Expected ExpectedVersion
	// Actual is the last event number found, -1 for an empty stream.
	Actual int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("wrong expected version: stream %s expected %s, actual %d",
		e.Stream, e.Expected, e.Actual)
}

func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}

// NewWrongExpectedVersionError creates a new wrong expected version error.
func NewWrongExpectedVersionError(stream string, expected ExpectedVersion, actual int64) error {
	return &WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: actual}
}

// EventData is a record to be appended. EventID must be unique.
type EventData struct {
	EventID  string
	Type     string
	Data     []byte
	Metadata []byte
}

// RecordedEvent is a record read back from a stream.
type RecordedEvent struct {
	StreamName  string
	EventNumber int64
	EventID     string
	Type        string
	Data        []byte
	Metadata    []byte
	Created     time.Time
}

// AppendResult describes a successful append.
type AppendResult struct {
	// NextExpectedVersion is the event number of the stream's new tail.
	NextExpectedVersion int64
}

// SliceStatus is the outcome of a forward read.
type SliceStatus int

const (
	SliceOK SliceStatus = iota
	SliceStreamNotFound
	SliceStreamDeleted
)

func (s SliceStatus) String() string {
	switch s {
	case SliceOK:
		return "ok"
	case SliceStreamNotFound:
		return "stream-not-found"
	case SliceStreamDeleted:
		return "stream-deleted"
	default:
		return "unknown"
	}
}

// StreamSlice is one page of a forward read.
type StreamSlice struct {
	Status          SliceStatus
	Stream          string
	FromEventNumber int64
	Events          []RecordedEvent
	// NextEventNumber is the event number to request for the following page.
	NextEventNumber int64
	// LastEventNumber is the stream's tail at read time, -1 when empty.
	LastEventNumber int64
	IsEndOfStream   bool
}

// StreamStore is the durable append-only log the repository persists to.
//
// Implementations must append a batch atomically: either all events are
// stored contiguously after the expected tail or none are.
type StreamStore interface {
	// AppendToStream appends events after checking expected against the stream's tail.
	// Returns ErrWrongExpectedVersion (as *WrongExpectedVersionError) on mismatch and
	// ErrStreamDeleted if the stream has been deleted.
	AppendToStream(ctx context.Context, stream string, expected ExpectedVersion, events []EventData) (AppendResult, error)

	// ReadStreamEventsForward reads up to count events starting at event number start.
	// Missing and deleted streams are reported through StreamSlice.Status, not as errors.
	ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*StreamSlice, error)

	// DeleteStream marks the stream deleted. Deletion is terminal.
	DeleteStream(ctx context.Context, stream string, expected ExpectedVersion) error

	// Close releases resources held by the store.
	Close() error
}

// ValidateRead checks the arguments of a forward read.
func ValidateRead(start int64, count int) error {
	if start < 0 {
		return fmt.Errorf("%w: start %d must not be negative", ErrInvalidRead, start)
	}
	if count <= 0 {
		return fmt.Errorf("%w: count %d must be positive", ErrInvalidRead, count)
	}
	return nil
}

// BuildSlice assembles a forward-read page from the events found at or after
// start (at most count of them) and the stream's current tail.
func BuildSlice(stream string, start int64, events []RecordedEvent, tail int64) *StreamSlice {
	next := start + int64(len(events))
	if len(events) > 0 {
		next = events[len(events)-1].EventNumber + 1
	}
	return &StreamSlice{
		Status:          SliceOK,
		Stream:          stream,
		FromEventNumber: start,
		Events:          events,
		NextEventNumber: next,
		LastEventNumber: tail,
		IsEndOfStream:   next > tail,
	}
}

// MissingSlice returns the page reported for a stream that does not exist or was deleted.
func MissingSlice(stream string, start int64, status SliceStatus) *StreamSlice {
	return &StreamSlice{
		Status:          status,
		Stream:          stream,
		FromEventNumber: start,
		NextEventNumber: start,
		LastEventNumber: -1,
		IsEndOfStream:   true,
	}
}
