package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/aggregatestore/pkg/store"
)

// InstrumentedStore wraps a store.StreamStore with spans and latency metrics.
type InstrumentedStore struct {
	next    store.StreamStore
	tracer  trace.Tracer
	metrics *Metrics
}

// InstrumentStore decorates next. A nil tracer disables tracing and nil metrics disables metrics.
func InstrumentStore(next store.StreamStore, tracer trace.Tracer, metrics *Metrics) *InstrumentedStore {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return &InstrumentedStore{next: next, tracer: tracer, metrics: metrics}
}

func (s *InstrumentedStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.append",
		AttrStream.String(stream),
		AttrExpected.String(expected.String()),
		AttrEventCount.Int(len(events)),
	)
	start := time.Now()

	res, err := s.next.AppendToStream(ctx, stream, expected, events)

	s.metrics.RecordEventStoreOperation(ctx, "append", time.Since(start), err)
	EndSpan(span, err)
	return res, err
}

func (s *InstrumentedStore) ReadStreamEventsForward(
	ctx context.Context,
	stream string,
	start int64,
	count int,
) (*store.StreamSlice, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.read",
		AttrStream.String(stream),
		AttrStart.Int64(start),
	)
	began := time.Now()

	slice, err := s.next.ReadStreamEventsForward(ctx, stream, start, count)
	if slice != nil {
		span.SetAttributes(AttrEventCount.Int(len(slice.Events)))
	}

	s.metrics.RecordEventStoreOperation(ctx, "read", time.Since(began), err)
	EndSpan(span, err)
	return slice, err
}

func (s *InstrumentedStore) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.delete",
		AttrStream.String(stream),
		AttrExpected.String(expected.String()),
	)
	start := time.Now()

	err := s.next.DeleteStream(ctx, stream, expected)

	s.metrics.RecordEventStoreOperation(ctx, "delete", time.Since(start), err)
	EndSpan(span, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}

var _ store.StreamStore = (*InstrumentedStore)(nil)
