// Package natsjs stores streams in a NATS JetStream stream.
//
// Every append becomes one message on the subject
// "<prefix>.<base64url(stream)>", so a batch is stored atomically.
// Concurrency is enforced by JetStream's expected-last-subject-sequence
// check. Deleting a stream publishes a tombstone and purges everything
// before it.
package natsjs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/plaenen/aggregatestore/pkg/store"
)

const (
	headerFirst   = "Es-First-Event"
	headerLast    = "Es-Last-Event"
	headerDeleted = "Es-Deleted"

	// JetStream error code for a failed expected-last-subject-sequence check.
	errCodeWrongLastSequence = 10071

	// Any appends retry the sequence check this many times.
	maxAnyRetries = 10
)

// Config configures an EventStore.
type Config struct {
	StreamName    string
	SubjectPrefix string
	// Storage defaults to file storage.
	Storage  jetstream.StorageType
	Replicas int
	Logger   *slog.Logger
	Clock    func() time.Time
}

// DefaultConfig returns the layout used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		StreamName:    "AGGREGATE_STREAMS",
		SubjectPrefix: "es.streams",
		Storage:       jetstream.FileStorage,
		Replicas:      1,
	}
}

// EventStore is a store.StreamStore on JetStream.
type EventStore struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

type wireEvent struct {
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data,omitempty"`
	Metadata []byte    `json:"metadata,omitempty"`
	Created  time.Time `json:"created"`
}

// NewEventStore ensures the backing JetStream stream exists. The caller
// keeps ownership of nc.
func NewEventStore(ctx context.Context, nc *nats.Conn, cfg Config) (*EventStore, error) {
	if cfg.StreamName == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("stream name and subject prefix are required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    cfg.Storage,
		Replicas:   max(cfg.Replicas, 1),
		DenyDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &EventStore{
		js:     js,
		stream: s,
		prefix: cfg.SubjectPrefix,
		log: log.With(
			slog.String("store", "nats_js"),
			slog.String("stream", cfg.StreamName),
		),
		now: now,
	}, nil
}

func (s *EventStore) subject(stream string) string {
	return s.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(stream))
}

// head describes the last message stored for a stream.
type head struct {
	seq     uint64 // 0 when the stream has no messages
	tail    int64
	deleted bool
}

func (s *EventStore) head(ctx context.Context, subject string) (head, error) {
	msg, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return head{tail: -1}, nil
	}
	if err != nil {
		return head{}, fmt.Errorf("get last message for %s: %w", subject, err)
	}

	h := head{seq: msg.Sequence, tail: -1}
	if msg.Header.Get(headerDeleted) != "" {
		h.deleted = true
		return h, nil
	}
	h.tail, err = strconv.ParseInt(msg.Header.Get(headerLast), 10, 64)
	if err != nil {
		return head{}, fmt.Errorf("message %d on %s: bad %s header: %w", msg.Sequence, subject, headerLast, err)
	}
	return h, nil
}

// AppendToStream publishes the batch as a single message.
func (s *EventStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	subject := s.subject(stream)

	for attempt := 0; ; attempt++ {
		h, err := s.head(ctx, subject)
		if err != nil {
			return store.AppendResult{}, err
		}
		if h.deleted {
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
		}
		if !expected.Matches(h.tail) {
			return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, h.tail)
		}
		if len(events) == 0 {
			return store.AppendResult{NextExpectedVersion: h.tail}, nil
		}

		msg, err := s.batchMsg(subject, h.tail+1, events)
		if err != nil {
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
		}

		_, err = s.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(h.seq))
		if err == nil {
			last := h.tail + int64(len(events))
			s.log.DebugContext(ctx, "append",
				slog.String("stream_name", stream),
				slog.Int64("first", h.tail+1),
				slog.Int64("last", last),
			)
			return store.AppendResult{NextExpectedVersion: last}, nil
		}
		if !isWrongLastSequence(err) {
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
		}

		// Someone else wrote between our head read and the publish.
		// Re-read so the error reports the real tail, or retry for Any.
		if expected != store.Any || attempt >= maxAnyRetries {
			h, herr := s.head(ctx, subject)
			if herr != nil {
				return store.AppendResult{}, herr
			}
			if h.deleted {
				return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
			}
			return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, h.tail)
		}
	}
}

func (s *EventStore) batchMsg(subject string, first int64, events []store.EventData) (*nats.Msg, error) {
	now := s.now().UTC()
	batch := make([]wireEvent, len(events))
	for i, e := range events {
		batch[i] = wireEvent{
			EventID:  e.EventID,
			Type:     e.Type,
			Data:     e.Data,
			Metadata: e.Metadata,
			Created:  now,
		}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerFirst, strconv.FormatInt(first, 10))
	msg.Header.Set(headerLast, strconv.FormatInt(first+int64(len(events))-1, 10))
	return msg, nil
}

// ReadStreamEventsForward seeks to the batch holding start and walks the
// stream's messages in subject order from there.
func (s *EventStore) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	if err := store.ValidateRead(start, count); err != nil {
		return nil, err
	}

	subject := s.subject(stream)
	h, err := s.head(ctx, subject)
	if err != nil {
		return nil, err
	}
	switch {
	case h.deleted:
		return store.MissingSlice(stream, start, store.SliceStreamDeleted), nil
	case h.seq == 0:
		return store.MissingSlice(stream, start, store.SliceStreamNotFound), nil
	case start > h.tail:
		return store.BuildSlice(stream, start, nil, h.tail), nil
	}

	seq, err := s.seek(ctx, subject, start, h.seq)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	end := min(start+int64(count)-1, h.tail)
	var events []store.RecordedEvent

	for seq <= h.seq && start <= end {
		msg, err := s.stream.GetMsg(ctx, seq, jetstream.WithGetMsgSubject(subject))
		if err != nil {
			return nil, fmt.Errorf("read %s at seq %d: %w", stream, seq, err)
		}
		seq = msg.Sequence + 1

		first, last, err := batchRange(msg)
		if err != nil {
			return nil, err
		}
		if last < start {
			continue
		}

		var batch []wireEvent
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			return nil, fmt.Errorf("decode batch %d on %s: %w", msg.Sequence, stream, err)
		}
		for i, e := range batch {
			n := first + int64(i)
			if n < start || n > end {
				continue
			}
			events = append(events, store.RecordedEvent{
				StreamName:  stream,
				EventNumber: n,
				EventID:     e.EventID,
				Type:        e.Type,
				Data:        e.Data,
				Metadata:    e.Metadata,
				Created:     e.Created,
			})
		}
		if last >= end {
			break
		}
	}

	return store.BuildSlice(stream, start, events, h.tail), nil
}

// seek returns the lowest stream sequence from which the next message on
// subject is the batch holding event number start. GetMsg with a subject
// filter returns the first match at or after the requested sequence, so
// "next batch ends at or after start" is monotonic in the sequence and can
// be binary searched. headSeq must hold a batch ending at or after start.
func (s *EventStore) seek(ctx context.Context, subject string, start int64, headSeq uint64) (uint64, error) {
	lo, hi := uint64(1), headSeq
	if start == 0 {
		return lo, nil
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		msg, err := s.stream.GetMsg(ctx, mid, jetstream.WithGetMsgSubject(subject))
		if err != nil {
			return 0, fmt.Errorf("seek to event %d at seq %d: %w", start, mid, err)
		}
		_, last, err := batchRange(msg)
		if err != nil {
			return 0, err
		}
		if last >= start {
			hi = mid
		} else {
			lo = msg.Sequence + 1
		}
	}
	return lo, nil
}

func batchRange(msg *jetstream.RawStreamMsg) (first, last int64, err error) {
	first, err = strconv.ParseInt(msg.Header.Get(headerFirst), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("message %d on %s: bad %s header: %w", msg.Sequence, msg.Subject, headerFirst, err)
	}
	last, err = strconv.ParseInt(msg.Header.Get(headerLast), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("message %d on %s: bad %s header: %w", msg.Sequence, msg.Subject, headerLast, err)
	}
	return first, last, nil
}

// DeleteStream publishes a tombstone and purges the stream's earlier
// messages.
func (s *EventStore) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	subject := s.subject(stream)

	h, err := s.head(ctx, subject)
	if err != nil {
		return err
	}
	if h.deleted {
		return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
	}
	if !expected.Matches(h.tail) {
		return store.NewWrongExpectedVersionError(stream, expected, h.tail)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(headerDeleted, "true")
	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(h.seq)); err != nil {
		if isWrongLastSequence(err) {
			h, herr := s.head(ctx, subject)
			if herr != nil {
				return herr
			}
			if h.deleted {
				return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
			}
			return store.NewWrongExpectedVersionError(stream, expected, h.tail)
		}
		return fmt.Errorf("delete %s: %w", stream, err)
	}

	if err := s.stream.Purge(ctx, jetstream.WithPurgeSubject(subject), jetstream.WithPurgeKeep(1)); err != nil {
		// The tombstone is in place; leftover messages are unreachable.
		s.log.WarnContext(ctx, "purge deleted stream failed",
			slog.String("stream_name", stream),
			slog.Any("error", err),
		)
	}

	s.log.DebugContext(ctx, "delete", slog.String("stream_name", stream))
	return nil
}

// Close releases the publisher resources. The connection stays open.
func (s *EventStore) Close() error {
	s.js.CleanupPublisher()
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}

var _ store.StreamStore = (*EventStore)(nil)
