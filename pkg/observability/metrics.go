package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels recorded on repository operations.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics holds the metric instruments of the repository and its stores.
// A nil *Metrics records nothing.
type Metrics struct {
	// Repository metrics
	RepositorySaves metric.Int64Counter
	RepositoryLoads metric.Int64Counter

	// Event metrics
	EventsAppended    metric.Int64Counter
	EventsReplayed    metric.Int64Counter
	PagesRead         metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Publishing metrics
	EventsPublished    metric.Int64Counter
	PublishFailures    metric.Int64Counter
	NATSPublishLatency metric.Float64Histogram
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RepositorySaves, err = meter.Int64Counter(
		"aggregatestore.repository.saves",
		metric.WithDescription("Repository save operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository.saves: %w", err)
	}

	m.RepositoryLoads, err = meter.Int64Counter(
		"aggregatestore.repository.loads",
		metric.WithDescription("Repository load operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository.loads: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"aggregatestore.events.appended",
		metric.WithDescription("Events appended to the stream store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsReplayed, err = meter.Int64Counter(
		"aggregatestore.events.replayed",
		metric.WithDescription("Events applied while loading aggregates"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.replayed: %w", err)
	}

	m.PagesRead, err = meter.Int64Counter(
		"aggregatestore.pages.read",
		metric.WithDescription("Forward read pages fetched from the stream store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pages.read: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"aggregatestore.eventstore.latency",
		metric.WithDescription("Stream store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"aggregatestore.events.published",
		metric.WithDescription("Committed events handed to the publisher"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.PublishFailures, err = meter.Int64Counter(
		"aggregatestore.publish.failures",
		metric.WithDescription("Failed publish attempts after a successful save"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.failures: %w", err)
	}

	m.NATSPublishLatency, err = meter.Float64Histogram(
		"aggregatestore.nats.publish.latency",
		metric.WithDescription("NATS publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.publish.latency: %w", err)
	}

	return m, nil
}

// RecordSave records the outcome of a repository save.
func (m *Metrics) RecordSave(ctx context.Context, outcome string, eventCount int) {
	if m == nil {
		return
	}
	m.RepositorySaves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeOK {
		m.EventsAppended.Add(ctx, int64(eventCount))
	}
}

// RecordLoad records the outcome of a repository load.
func (m *Metrics) RecordLoad(ctx context.Context, outcome string, replayed int64, pages int) {
	if m == nil {
		return
	}
	m.RepositoryLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.EventsReplayed.Add(ctx, replayed)
	m.PagesRead.Add(ctx, int64(pages))
}

// RecordEventStoreOperation records stream store latency
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	))
}

// RecordPublish records a publish attempt of committed events.
func (m *Metrics) RecordPublish(ctx context.Context, eventCount int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishFailures.Add(ctx, 1)
		return
	}
	m.EventsPublished.Add(ctx, int64(eventCount))
}

// RecordNATSPublish records NATS publish metrics
func (m *Metrics) RecordNATSPublish(ctx context.Context, subject string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NATSPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("subject", subject),
	))
}
