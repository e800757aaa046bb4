package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/aggregatestore/pkg/observability"
	"github.com/plaenen/aggregatestore/pkg/store"
)

// SaveOption configures a single Save call.
type SaveOption func(*saveOptions)

type saveOptions struct {
	metadata EventMetadata
}

// WithEventMetadata attaches md to every event written by the Save call.
func WithEventMetadata(md EventMetadata) SaveOption {
	return func(o *saveOptions) {
		o.metadata = md
	}
}

// ExpectedVersionFor returns the stream expectation for an aggregate whose
// version before the queued events was originalVersion.
func ExpectedVersionFor(originalVersion int64) store.ExpectedVersion {
	if originalVersion == 0 {
		return store.NoStream
	}
	return store.ExpectedVersion(originalVersion - 1)
}

// Save appends the aggregate's uncommitted events to its stream.
//
// The append succeeds only if the stream is still at the version the
// aggregate was loaded at. On success the queue is cleared; on failure the
// aggregate is left untouched. Conflicts are reported as
// *AggregateVersionConflictError and a deleted stream as
// *AggregateNotFoundError. Other store errors are returned unchanged.
func (r *Repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) (err error) {
	if agg == nil {
		return fmt.Errorf("%w: nil aggregate", ErrInvalidArgument)
	}

	pending := agg.UncommittedEvents()
	n := int64(len(pending))
	if n == 0 {
		return nil
	}

	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := agg.ID()
	stream := StreamName(id)
	originalVersion := agg.Version() - n
	if originalVersion < 0 {
		return fmt.Errorf("%w: aggregate %s has version %d but %d uncommitted events",
			ErrInvalidArgument, id, agg.Version(), n)
	}
	expected := ExpectedVersionFor(originalVersion)

	ctx, span := observability.StartSpan(ctx, r.tracer, "repository.save",
		observability.AttrAggregateID.String(id),
		observability.AttrVersion.Int64(agg.Version()),
		observability.AttrEventCount.Int(len(pending)),
	)
	defer func() {
		r.metrics.RecordSave(ctx, outcome(err), len(pending))
		observability.EndSpan(span, err)
	}()

	batch := make([]store.EventData, len(pending))
	for i, event := range pending {
		enc, err := r.codec.Encode(event, o.metadata)
		if err != nil {
			return fmt.Errorf("encode event %d of %s: %w", i, id, err)
		}
		batch[i] = store.EventData{
			EventID:  r.newEventID(),
			Type:     enc.TypeTag,
			Data:     enc.Payload,
			Metadata: enc.Metadata,
		}
	}

	res, err := r.store.AppendToStream(ctx, stream, expected, batch)
	if err != nil {
		return r.appendError(ctx, id, stream, expected, err)
	}

	r.log.DebugContext(ctx, "aggregate saved",
		aggAttrs(id, agg.Version()),
		slog.Int64("events", n),
		slog.Int64("tail", res.NextExpectedVersion),
	)

	committed := make([]CommittedEvent, len(batch))
	for i, e := range batch {
		committed[i] = CommittedEvent{
			AggregateID: id,
			Stream:      stream,
			EventNumber: originalVersion + int64(i),
			EventID:     e.EventID,
			TypeTag:     e.Type,
			Payload:     e.Data,
			Metadata:    e.Metadata,
			Event:       pending[i],
		}
	}

	agg.ClearUncommittedEvents()
	r.publish(ctx, committed)
	return nil
}

func (r *Repository) appendError(
	ctx context.Context,
	id, stream string,
	expected store.ExpectedVersion,
	err error,
) error {
	switch {
	case errors.Is(err, store.ErrStreamDeleted):
		r.log.WarnContext(ctx, "save to deleted stream", aggAttrs(id, int64(expected)+1))
		return &AggregateNotFoundError{AggregateID: id, Stream: stream, Deleted: true}

	case errors.Is(err, store.ErrWrongExpectedVersion):
		actual := int64(-1)
		var wev *store.WrongExpectedVersionError
		if errors.As(err, &wev) {
			actual = wev.Actual
		}
		r.log.WarnContext(ctx, "save version conflict",
			aggAttrs(id, int64(expected)+1),
			slog.String("expected", expected.String()),
			slog.Int64("actual", actual),
		)
		return &AggregateVersionConflictError{
			AggregateID:     id,
			Stream:          stream,
			ExpectedVersion: int64(expected),
			ActualVersion:   actual,
			Err:             err,
		}

	default:
		r.log.ErrorContext(ctx, "save failed", aggAttrs(id, int64(expected)+1), slog.Any("error", err))
		return err
	}
}

// publish hands committed events to the publisher. Failures are logged and
// counted; the events are already durable so Save still succeeds.
func (r *Repository) publish(ctx context.Context, events []CommittedEvent) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.Publish(ctx, events)
	r.metrics.RecordPublish(ctx, len(events), err)
	if err != nil {
		r.log.ErrorContext(ctx, "publish committed events failed",
			slog.String("stream", events[0].Stream),
			slog.Int("events", len(events)),
			slog.Any("error", err),
		)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrAggregateVersionConflict):
		return observability.OutcomeConflict
	case errors.Is(err, ErrAggregateNotFound):
		return observability.OutcomeNotFound
	default:
		return observability.OutcomeError
	}
}
