// Package mongodb stores streams in a MongoDB collection.
//
// Every append is one document holding the whole batch:
//
//	{stream, first, last, deleted, events: [...]}
//
// A unique index on (stream, first) lets exactly one writer claim the slot
// after the current tail, which makes appends atomic and optimistic without
// multi-document transactions. Deletion inserts a tombstone batch into the
// next slot and then removes the earlier batches.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/plaenen/aggregatestore/pkg/idgen"
	"github.com/plaenen/aggregatestore/pkg/store"
)

// DefaultCollection is the collection batches are written to.
const DefaultCollection = "event_batches"

// Any appends retry a lost slot race this many times.
const maxAnyRetries = 10

type eventDocument struct {
	EventID  string    `bson:"event_id"`
	Type     string    `bson:"type"`
	Data     []byte    `bson:"data,omitempty"`
	Metadata []byte    `bson:"metadata,omitempty"`
	Created  time.Time `bson:"created"`
}

type batchDocument struct {
	// ID is a ULID so batches sort by write time.
	ID      string          `bson:"_id"`
	Stream  string          `bson:"stream"`
	First   int64           `bson:"first"`
	Last    int64           `bson:"last"`
	Deleted bool            `bson:"deleted,omitempty"`
	Events  []eventDocument `bson:"events,omitempty"`
}

// EventStore is a store.StreamStore on MongoDB.
type EventStore struct {
	collection *mongo.Collection
	log        *slog.Logger
	now        func() time.Time
}

// Option configures an EventStore.
type Option func(*config)

type config struct {
	collection string
	log        *slog.Logger
	now        func() time.Time
}

// WithCollection replaces DefaultCollection.
func WithCollection(name string) Option {
	return func(c *config) { c.collection = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.log = logger }
}

// WithClock sets the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// NewEventStore creates the indexes the store relies on. The caller keeps
// ownership of the database's client.
func NewEventStore(ctx context.Context, db *mongo.Database, opts ...Option) (*EventStore, error) {
	cfg := config{
		collection: DefaultCollection,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	coll := db.Collection(cfg.collection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "first", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("stream_slot"),
		},
		{
			Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "last", Value: -1}},
			Options: options.Index().SetName("stream_tail"),
		},
		{
			Keys: bson.D{{Key: "events.event_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("event_id").
				SetPartialFilterExpression(bson.M{"events.event_id": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes on %s: %w", cfg.collection, err)
	}

	return &EventStore{
		collection: coll,
		log:        cfg.log.With(slog.String("store", "mongodb"), slog.String("collection", cfg.collection)),
		now:        cfg.now,
	}, nil
}

// head returns the stream's tail, -1 when it has no batches, and whether
// its newest batch is a tombstone.
func (s *EventStore) head(ctx context.Context, stream string) (tail int64, deleted bool, err error) {
	var doc batchDocument
	err = s.collection.FindOne(ctx,
		bson.M{"stream": stream},
		options.FindOne().
			SetSort(bson.D{{Key: "first", Value: -1}}).
			SetProjection(bson.M{"events": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return -1, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read head of %s: %w", stream, err)
	}
	if doc.Deleted {
		return doc.First - 1, true, nil
	}
	return doc.Last, false, nil
}

// AppendToStream inserts the batch into the slot after the current tail.
func (s *EventStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	// The unique index on events.event_id spans documents only.
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := seen[e.EventID]; dup {
			return store.AppendResult{}, fmt.Errorf("append to %s: duplicate event id %s", stream, e.EventID)
		}
		seen[e.EventID] = struct{}{}
	}

	for attempt := 0; ; attempt++ {
		tail, deleted, err := s.head(ctx, stream)
		if err != nil {
			return store.AppendResult{}, err
		}
		if deleted {
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
		}
		if !expected.Matches(tail) {
			return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, tail)
		}
		if len(events) == 0 {
			return store.AppendResult{NextExpectedVersion: tail}, nil
		}

		now := s.now().UTC()
		doc := batchDocument{
			ID:     idgen.NewSortableIDAt(now),
			Stream: stream,
			First:  tail + 1,
			Last:   tail + int64(len(events)),
			Events: make([]eventDocument, len(events)),
		}
		for i, e := range events {
			doc.Events[i] = eventDocument{
				EventID:  e.EventID,
				Type:     e.Type,
				Data:     e.Data,
				Metadata: e.Metadata,
				Created:  now,
			}
		}

		_, err = s.collection.InsertOne(ctx, doc)
		if err == nil {
			s.log.DebugContext(ctx, "append",
				slog.String("stream_name", stream),
				slog.Int64("first", doc.First),
				slog.Int64("last", doc.Last),
			)
			return store.AppendResult{NextExpectedVersion: doc.Last}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
		}

		// Either another writer claimed the slot or an event id is reused.
		current, deleted, herr := s.head(ctx, stream)
		if herr != nil {
			return store.AppendResult{}, herr
		}
		switch {
		case deleted:
			return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
		case current == tail:
			return store.AppendResult{}, fmt.Errorf("append to %s: duplicate event id: %w", stream, err)
		case expected != store.Any || attempt >= maxAnyRetries:
			s.log.WarnContext(ctx, "append lost slot race",
				slog.String("stream_name", stream),
				slog.Int64("slot", doc.First),
			)
			return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, current)
		}
	}
}

// ReadStreamEventsForward loads the batches overlapping [start, start+count).
func (s *EventStore) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	if err := store.ValidateRead(start, count); err != nil {
		return nil, err
	}

	tail, deleted, err := s.head(ctx, stream)
	if err != nil {
		return nil, err
	}
	switch {
	case deleted:
		return store.MissingSlice(stream, start, store.SliceStreamDeleted), nil
	case tail < 0:
		return store.MissingSlice(stream, start, store.SliceStreamNotFound), nil
	}

	end := min(start+int64(count)-1, tail)
	var events []store.RecordedEvent
	if start <= end {
		cursor, err := s.collection.Find(ctx,
			bson.M{
				"stream":  stream,
				"deleted": bson.M{"$ne": true},
				"last":    bson.M{"$gte": start},
				"first":   bson.M{"$lte": end},
			},
			options.Find().SetSort(bson.D{{Key: "first", Value: 1}}),
		)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", stream, err)
		}
		defer cursor.Close(ctx)

		var batches []batchDocument
		if err := cursor.All(ctx, &batches); err != nil {
			return nil, fmt.Errorf("read %s: decode batches: %w", stream, err)
		}

		for _, b := range batches {
			for i, e := range b.Events {
				n := b.First + int64(i)
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
		}
	}

	return store.BuildSlice(stream, start, events, tail), nil
}

// DeleteStream claims the next slot with a tombstone, then drops the
// stream's batches.
func (s *EventStore) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	tail, deleted, err := s.head(ctx, stream)
	if err != nil {
		return err
	}
	if deleted {
		return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
	}
	if !expected.Matches(tail) {
		return store.NewWrongExpectedVersionError(stream, expected, tail)
	}

	_, err = s.collection.InsertOne(ctx, batchDocument{
		ID:      idgen.NewSortableIDAt(s.now()),
		Stream:  stream,
		First:   tail + 1,
		Last:    tail,
		Deleted: true,
	})
	if mongo.IsDuplicateKeyError(err) {
		current, deleted, herr := s.head(ctx, stream)
		if herr != nil {
			return herr
		}
		if deleted {
			return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
		}
		return store.NewWrongExpectedVersionError(stream, expected, current)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", stream, err)
	}

	if _, err := s.collection.DeleteMany(ctx, bson.M{"stream": stream, "deleted": bson.M{"$ne": true}}); err != nil {
		s.log.WarnContext(ctx, "purge deleted stream failed",
			slog.String("stream_name", stream),
			slog.Any("error", err),
		)
	}

	s.log.DebugContext(ctx, "delete", slog.String("stream_name", stream))
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *EventStore) Close() error {
	return nil
}

var _ store.StreamStore = (*EventStore)(nil)
