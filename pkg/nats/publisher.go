package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	"github.com/plaenen/aggregatestore/pkg/observability"
)

// Message headers set on every published event.
const (
	HeaderAggregateID = "Es-Aggregate-Id"
	HeaderStream      = "Es-Stream"
	HeaderEventNumber = "Es-Event-Number"
	HeaderEventType   = "Es-Event-Type"
	HeaderMetadata    = "Es-Metadata"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// StreamName is the JetStream stream receiving events.
	StreamName string

	// SubjectPrefix is prepended to the event type tag. Events for type
	// "account.Deposited" land on "<prefix>.account.Deposited".
	SubjectPrefix string

	// MaxAge bounds how long published events are retained. Zero keeps them.
	MaxAge time.Duration

	// Duplicates is the window in which a repeated event id is dropped.
	Duplicates time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultPublisherConfig returns the stream layout used by the CLI and the
// embedded runtime.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		StreamName:    "AGGREGATE_EVENTS",
		SubjectPrefix: "events",
		MaxAge:        7 * 24 * time.Hour,
		Duplicates:    2 * time.Minute,
	}
}

// Publisher forwards committed events to JetStream. It implements
// eventsourcing.Publisher.
type Publisher struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	prefix  string
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher ensures the stream exists and returns a publisher on nc.
// The caller keeps ownership of nc.
func NewPublisher(ctx context.Context, nc *nats.Conn, cfg PublisherConfig) (*Publisher, error) {
	if cfg.StreamName == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("stream name and subject prefix are required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Publisher{
		js:      js,
		stream:  stream,
		prefix:  cfg.SubjectPrefix,
		log:     log.With(slog.String("component", "publisher"), slog.String("stream", cfg.StreamName)),
		metrics: cfg.Metrics,
	}, nil
}

// Subject returns the subject an event with the given type tag is published on.
func (p *Publisher) Subject(typeTag string) string {
	return p.prefix + "." + typeTag
}

// Publish sends events in order and stops at the first failure. The event
// id is used as the JetStream message id so redelivered batches are
// deduplicated.
func (p *Publisher) Publish(ctx context.Context, events []eventsourcing.CommittedEvent) error {
	for _, e := range events {
		msg := nats.NewMsg(p.Subject(e.TypeTag))
		msg.Data = e.Payload
		msg.Header.Set(HeaderAggregateID, e.AggregateID)
		msg.Header.Set(HeaderStream, e.Stream)
		msg.Header.Set(HeaderEventNumber, strconv.FormatInt(e.EventNumber, 10))
		msg.Header.Set(HeaderEventType, e.TypeTag)
		if len(e.Metadata) > 0 {
			msg.Header.Set(HeaderMetadata, string(e.Metadata))
		}

		start := time.Now()
		ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(e.EventID))
		p.metrics.RecordNATSPublish(ctx, msg.Subject, time.Since(start))
		if err != nil {
			return fmt.Errorf("publish %s@%d: %w", e.Stream, e.EventNumber, err)
		}

		p.log.DebugContext(ctx, "event published",
			slog.String("subject", msg.Subject),
			slog.Uint64("seq", ack.Sequence),
			slog.Bool("duplicate", ack.Duplicate),
		)
	}
	return nil
}

var _ eventsourcing.Publisher = (*Publisher)(nil)
