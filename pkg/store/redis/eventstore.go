// Package redis stores streams in Redis lists.
//
// A stream named s lives under two keys sharing the hash tag {s}, so the
// store works against Redis Cluster:
//
//	<prefix>:{s}:events  LIST of JSON records, index == event number
//	<prefix>:{s}:meta    HASH with field "deleted"
//
// Appends and deletes run as Lua scripts, which makes the version check and
// the write a single atomic step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/aggregatestore/pkg/store"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "es"

// Script status codes.
const (
	statusOK       = 0
	statusConflict = 1
	statusDeleted  = 2
)

// appendScript: ARGV[1] expected version, ARGV[2..] records.
// Returns {status, tail}.
var appendScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'deleted') == '1' then
  return {2, -1}
end
local tail = redis.call('LLEN', KEYS[1]) - 1
local expected = tonumber(ARGV[1])
if expected ~= -2 and expected ~= tail then
  return {1, tail}
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
return {0, tail + #ARGV - 1}
`)

// deleteScript: ARGV[1] expected version. Returns {status, tail}.
var deleteScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'deleted') == '1' then
  return {2, -1}
end
local tail = redis.call('LLEN', KEYS[1]) - 1
local expected = tonumber(ARGV[1])
if expected ~= -2 and expected ~= tail then
  return {1, tail}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[2], 'deleted', '1')
return {0, tail}
`)

type record struct {
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data,omitempty"`
	Metadata []byte    `json:"metadata,omitempty"`
	Created  time.Time `json:"created"`
}

// EventStore is a store.StreamStore on Redis.
type EventStore struct {
	client goredis.UniversalClient
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *EventStore) { s.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *EventStore) { s.log = logger }
}

// WithClock sets the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) { s.now = now }
}

// NewEventStore wraps client. The caller keeps ownership of the client.
func NewEventStore(client goredis.UniversalClient, opts ...Option) *EventStore {
	s := &EventStore{
		client: client,
		prefix: DefaultKeyPrefix,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "redis"))
	return s
}

func (s *EventStore) keys(stream string) []string {
	tag := s.prefix + ":{" + stream + "}"
	return []string{tag + ":events", tag + ":meta"}
}

// AppendToStream runs the append script.
func (s *EventStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	now := s.now().UTC()
	args := make([]any, 0, len(events)+1)
	args = append(args, int64(expected))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := seen[e.EventID]; dup {
			return store.AppendResult{}, fmt.Errorf("append to %s: duplicate event id %s", stream, e.EventID)
		}
		seen[e.EventID] = struct{}{}

		b, err := json.Marshal(record{
			EventID:  e.EventID,
			Type:     e.Type,
			Data:     e.Data,
			Metadata: e.Metadata,
			Created:  now,
		})
		if err != nil {
			return store.AppendResult{}, fmt.Errorf("append to %s: marshal record: %w", stream, err)
		}
		args = append(args, b)
	}

	status, tail, err := s.run(ctx, appendScript, stream, args...)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
	}
	switch status {
	case statusDeleted:
		return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
	case statusConflict:
		return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, tail)
	}

	s.log.DebugContext(ctx, "append",
		slog.String("stream_name", stream),
		slog.Int("events", len(events)),
		slog.Int64("tail", tail),
	)
	return store.AppendResult{NextExpectedVersion: tail}, nil
}

// ReadStreamEventsForward reads the deleted flag, the length and the range
// in one MULTI block.
func (s *EventStore) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	if err := store.ValidateRead(start, count); err != nil {
		return nil, err
	}

	keys := s.keys(stream)
	var (
		deleted *goredis.StringCmd
		length  *goredis.IntCmd
		values  *goredis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.HGet(ctx, keys[1], "deleted")
		length = pipe.LLen(ctx, keys[0])
		values = pipe.LRange(ctx, keys[0], start, start+int64(count)-1)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	if err := errors.Join(length.Err(), values.Err()); err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	if deleted.Val() == "1" {
		return store.MissingSlice(stream, start, store.SliceStreamDeleted), nil
	}
	if length.Val() == 0 {
		return store.MissingSlice(stream, start, store.SliceStreamNotFound), nil
	}

	raw := values.Val()
	events := make([]store.RecordedEvent, 0, len(raw))
	for i, v := range raw {
		var r record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("read %s: decode record %d: %w", stream, start+int64(i), err)
		}
		events = append(events, store.RecordedEvent{
			StreamName:  stream,
			EventNumber: start + int64(i),
			EventID:     r.EventID,
			Type:        r.Type,
			Data:        r.Data,
			Metadata:    r.Metadata,
			Created:     r.Created,
		})
	}
	return store.BuildSlice(stream, start, events, length.Val()-1), nil
}

// DeleteStream drops the stream's records and sets its deleted flag.
func (s *EventStore) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	status, tail, err := s.run(ctx, deleteScript, stream, int64(expected))
	if err != nil {
		return fmt.Errorf("delete %s: %w", stream, err)
	}
	switch status {
	case statusDeleted:
		return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
	case statusConflict:
		return store.NewWrongExpectedVersionError(stream, expected, tail)
	}
	s.log.DebugContext(ctx, "delete", slog.String("stream_name", stream))
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *EventStore) Close() error {
	return nil
}

func (s *EventStore) run(ctx context.Context, script *goredis.Script, stream string, args ...any) (status, tail int64, err error) {
	res, err := script.Run(ctx, s.client, s.keys(stream), args...).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	return res[0], res[1], nil
}

var _ store.StreamStore = (*EventStore)(nil)
