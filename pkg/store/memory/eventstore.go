// Package memory provides an in-process StreamStore for tests and local development.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/aggregatestore/pkg/store"
)

type memStream struct {
	events  []store.RecordedEvent
	deleted bool
}

func (s *memStream) tail() int64 {
	return int64(len(s.events)) - 1
}

// EventStore is a map-backed store.StreamStore. Safe for concurrent use.
type EventStore struct {
	mu       sync.RWMutex
	log      *slog.Logger
	streams  map[string]*memStream
	eventIDs map[string]struct{}
	now      func() time.Time
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *EventStore) {
		s.log = logger
	}
}

// WithClock overrides the clock used to stamp recorded events.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) {
		s.now = now
	}
}

// NewEventStore creates an empty in-memory store.
func NewEventStore(opts ...Option) *EventStore {
	s := &EventStore{
		log:      slog.Default(),
		streams:  make(map[string]*memStream),
		eventIDs: make(map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "memory"))
	return s
}

// AppendToStream appends events atomically after checking the expected version.
func (s *EventStore) AppendToStream(
	_ context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{}
	}
	if st.deleted {
		return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
	}

	tail := st.tail()
	if !expected.Matches(tail) {
		return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, tail)
	}

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := s.eventIDs[e.EventID]; dup {
			return store.AppendResult{}, fmt.Errorf("append to %s: duplicate event id %s", stream, e.EventID)
		}
		if _, dup := seen[e.EventID]; dup {
			return store.AppendResult{}, fmt.Errorf("append to %s: duplicate event id %s", stream, e.EventID)
		}
		seen[e.EventID] = struct{}{}
	}

	now := s.now()
	for i, e := range events {
		st.events = append(st.events, store.RecordedEvent{
			StreamName:  stream,
			EventNumber: tail + 1 + int64(i),
			EventID:     e.EventID,
			Type:        e.Type,
			Data:        clone(e.Data),
			Metadata:    clone(e.Metadata),
			Created:     now,
		})
		s.eventIDs[e.EventID] = struct{}{}
	}
	s.streams[stream] = st

	s.log.Debug("append",
		slog.String("stream", stream),
		slog.String("expected", expected.String()),
		slog.Int("num_events", len(events)),
	)

	return store.AppendResult{NextExpectedVersion: st.tail()}, nil
}

// ReadStreamEventsForward reads a page of events starting at start.
func (s *EventStore) ReadStreamEventsForward(
	_ context.Context,
	stream string,
	start int64,
	count int,
) (*store.StreamSlice, error) {
	if err := store.ValidateRead(start, count); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[stream]
	switch {
	case ok && st.deleted:
		return store.MissingSlice(stream, start, store.SliceStreamDeleted), nil
	case !ok || len(st.events) == 0:
		return store.MissingSlice(stream, start, store.SliceStreamNotFound), nil
	}

	var page []store.RecordedEvent
	if start < int64(len(st.events)) {
		end := min(start+int64(count), int64(len(st.events)))
		page = make([]store.RecordedEvent, 0, end-start)
		for _, e := range st.events[start:end] {
			e.Data = clone(e.Data)
			e.Metadata = clone(e.Metadata)
			page = append(page, e)
		}
	}

	return store.BuildSlice(stream, start, page, st.tail()), nil
}

// DeleteStream marks the stream deleted and drops its events.
func (s *EventStore) DeleteStream(_ context.Context, stream string, expected store.ExpectedVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{}
	}
	if st.deleted {
		return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
	}
	if !expected.Matches(st.tail()) {
		return store.NewWrongExpectedVersionError(stream, expected, st.tail())
	}

	st.events = nil
	st.deleted = true
	s.streams[stream] = st

	s.log.Debug("delete", slog.String("stream", stream))
	return nil
}

// Close is a no-op.
func (s *EventStore) Close() error {
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ store.StreamStore = (*EventStore)(nil)
