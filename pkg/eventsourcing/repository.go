// Package eventsourcing persists event-sourced aggregates to a store.StreamStore.
//
// A Repository appends an aggregate's queued events under optimistic
// concurrency control and rebuilds aggregates by replaying their stream,
// optionally up to a given version.
package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/aggregatestore/pkg/idgen"
	"github.com/plaenen/aggregatestore/pkg/observability"
	"github.com/plaenen/aggregatestore/pkg/store"
)

// DefaultPageSize is the number of events requested per forward read.
const DefaultPageSize = 1000

// CommittedEvent is an event that has been durably appended.
type CommittedEvent struct {
	AggregateID string
	Stream      string
	EventNumber int64
	EventID     string
	TypeTag     string
	Payload     []byte
	Metadata    []byte
	Event       any
}

// Publisher receives committed events after a successful Save.
type Publisher interface {
	Publish(ctx context.Context, events []CommittedEvent) error
}

// Repository saves and loads aggregates. It holds no per-aggregate state
// and is safe for concurrent use.
type Repository struct {
	store      store.StreamStore
	codec      Codec
	log        *slog.Logger
	pageSize   int
	newEventID func() string
	publisher  Publisher
	tracer     trace.Tracer
	metrics    *observability.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger for the repository.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.log = logger
	}
}

// WithPageSize sets how many events Load requests per page.
func WithPageSize(n int) Option {
	return func(r *Repository) {
		r.pageSize = n
	}
}

// WithEventIDGenerator replaces the UUID event id generator.
func WithEventIDGenerator(gen func() string) Option {
	return func(r *Repository) {
		r.newEventID = gen
	}
}

// WithPublisher hands committed events to p after every successful Save.
func WithPublisher(p Publisher) Option {
	return func(r *Repository) {
		r.publisher = p
	}
}

// WithTracer enables tracing of Save and Load.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Repository) {
		r.tracer = tracer
	}
}

// WithMetrics enables repository metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Repository) {
		r.metrics = m
	}
}

// WithTelemetry wires tracing and metrics from an initialized Telemetry.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(r *Repository) {
		r.tracer = tel.Tracer(observability.TracerName)
		r.metrics = tel.Metrics
	}
}

// NewRepository creates a repository over s, encoding events with codec.
func NewRepository(s store.StreamStore, codec Codec, opts ...Option) (*Repository, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: stream store is required", ErrInvalidArgument)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidArgument)
	}

	r := &Repository{
		store:      s,
		codec:      codec,
		log:        slog.Default(),
		pageSize:   DefaultPageSize,
		newEventID: idgen.NewEventID,
		tracer:     observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size %d must be positive", ErrInvalidArgument, r.pageSize)
	}
	if r.newEventID == nil {
		return nil, fmt.Errorf("%w: event id generator is required", ErrInvalidArgument)
	}

	return r, nil
}

// Store returns the underlying stream store.
func (r *Repository) Store() store.StreamStore {
	return r.store
}

// Codec returns the codec used to encode and decode events.
func (r *Repository) Codec() Codec {
	return r.codec
}

func aggAttrs(id string, version int64) slog.Attr {
	return slog.Group("agg",
		slog.String("id", id),
		slog.Int64("version", version),
	)
}
