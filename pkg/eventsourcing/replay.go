package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/aggregatestore/pkg/observability"
	"github.com/plaenen/aggregatestore/pkg/store"
)

// LoadOption configures a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	version int64
	bounded bool
}

// AtVersion loads the aggregate as it was after its first v events.
// v must be at least 1.
func AtVersion(v int64) LoadOption {
	return func(o *loadOptions) {
		o.version = v
		o.bounded = true
	}
}

// Load rebuilds the aggregate with the given id by replaying its stream
// into a fresh instance created by factory.
//
// Without options the aggregate is loaded at its latest version. With
// AtVersion(v) exactly the first v events are applied; a stream shorter
// than v yields *AggregateVersionConflictError. A missing or deleted stream
// yields *AggregateNotFoundError and an undecodable record *DecodeError.
func Load[T Aggregate](ctx context.Context, r *Repository, id string, factory func() T, opts ...LoadOption) (T, error) {
	var zero T

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.bounded && o.version <= 0 {
		return zero, fmt.Errorf("%w: version %d must be at least 1", ErrInvalidArgument, o.version)
	}
	if factory == nil {
		return zero, fmt.Errorf("%w: aggregate factory is required", ErrInvalidArgument)
	}

	agg := factory()
	if setter, ok := any(agg).(IDSetter); ok {
		setter.SetID(id)
	}

	if err := r.replay(ctx, agg, id, o); err != nil {
		return zero, err
	}
	return agg, nil
}

func (r *Repository) replay(ctx context.Context, agg Aggregate, id string, o loadOptions) (err error) {
	stream := StreamName(id)

	attrs := []slog.Attr{slog.String("id", id)}
	ctx, span := observability.StartSpan(ctx, r.tracer, "repository.load",
		observability.AttrAggregateID.String(id),
		observability.AttrStream.String(stream),
	)
	if o.bounded {
		span.SetAttributes(observability.AttrTarget.Int64(o.version))
		attrs = append(attrs, slog.Int64("target", o.version))
	}

	var (
		replayed int64
		pages    int
	)
	defer func() {
		r.metrics.RecordLoad(ctx, outcome(err), replayed, pages)
		span.SetAttributes(observability.AttrVersion.Int64(replayed))
		observability.EndSpan(span, err)
	}()

	var (
		start int64
		slice *store.StreamSlice
	)
	for {
		count := r.pageSize
		if o.bounded {
			count = int(min(int64(r.pageSize), o.version-start+1))
		}

		slice, err = r.store.ReadStreamEventsForward(ctx, stream, start, count)
		if err != nil {
			r.log.ErrorContext(ctx, "read stream failed",
				slog.Any("agg", slog.GroupValue(attrs...)),
				slog.Int64("start", start),
				slog.Any("error", err),
			)
			return err
		}
		pages++

		switch slice.Status {
		case store.SliceStreamNotFound:
			return &AggregateNotFoundError{AggregateID: id, Stream: stream}
		case store.SliceStreamDeleted:
			return &AggregateNotFoundError{AggregateID: id, Stream: stream, Deleted: true}
		}

		for _, rec := range slice.Events {
			if o.bounded && rec.EventNumber >= o.version {
				break
			}
			event, err := r.codec.Decode(rec.Metadata, rec.Data)
			if err != nil {
				return decodeError(rec, err)
			}
			if err := agg.ApplyEvent(event); err != nil {
				return fmt.Errorf("apply event %s@%d: %w", stream, rec.EventNumber, err)
			}
			replayed++
		}

		start = slice.NextEventNumber
		if slice.IsEndOfStream || (o.bounded && o.version < slice.NextEventNumber) {
			break
		}
	}

	if o.bounded && replayed < o.version {
		r.log.WarnContext(ctx, "stream shorter than requested version",
			slog.Any("agg", slog.GroupValue(attrs...)),
			slog.Int64("replayed", replayed),
		)
		return &AggregateVersionConflictError{
			AggregateID:     id,
			Stream:          stream,
			ExpectedVersion: o.version,
			ActualVersion:   replayed,
		}
	}

	if agg.Version() != replayed {
		return &AggregateVersionConflictError{
			AggregateID:     id,
			Stream:          stream,
			ExpectedVersion: replayed,
			ActualVersion:   agg.Version(),
			Err:             fmt.Errorf("aggregate reports version %d after applying %d events", agg.Version(), replayed),
		}
	}

	r.log.DebugContext(ctx, "aggregate loaded",
		slog.Any("agg", slog.GroupValue(attrs...)),
		slog.Int64("version", replayed),
		slog.Int("pages", pages),
	)
	return nil
}

func decodeError(rec store.RecordedEvent, err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		out := *de
		out.Stream = rec.StreamName
		out.EventNumber = rec.EventNumber
		if out.EventType == "" {
			out.EventType = rec.Type
		}
		return &out
	}
	return &DecodeError{
		Stream:      rec.StreamName,
		EventNumber: rec.EventNumber,
		EventType:   rec.Type,
		Err:         err,
	}
}
