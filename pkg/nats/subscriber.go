package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
)

// EventFilter selects published events.
type EventFilter struct {
	// TypeTags limits delivery to these event type tags. Empty means all.
	TypeTags []string

	// FromSequence starts at this stream sequence. Zero delivers everything retained.
	FromSequence uint64

	// Durable names a durable consumer. Deliveries are then acked on success
	// and redelivered when the handler fails. Without a name an ordered,
	// ephemeral consumer is used and handler errors are only logged.
	Durable string
}

// Delivery is one published event as received by a subscriber.
type Delivery struct {
	Sequence    uint64
	Subject     string
	AggregateID string
	Stream      string
	EventNumber int64
	TypeTag     string
	Payload     []byte
	Metadata    []byte

	// Event is the decoded event when the subscription has a codec.
	Event any
}

// Handler processes a delivery. Returning an error naks it on durable subscriptions.
type Handler func(ctx context.Context, d Delivery) error

// Subscription is an active consumer on the publisher's stream.
type Subscription struct {
	consume jetstream.ConsumeContext
	cancel  context.CancelFunc
}

// Unsubscribe stops delivery. Durable consumer state is kept on the server.
func (s *Subscription) Unsubscribe() {
	s.consume.Stop()
	s.cancel()
}

// Subscribe consumes the events this publisher writes. When codec is not
// nil each payload is decoded into Delivery.Event; undecodable messages are
// terminated on durable subscriptions and skipped otherwise.
func (p *Publisher) Subscribe(ctx context.Context, filter EventFilter, codec eventsourcing.Codec, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	subjects := make([]string, 0, len(filter.TypeTags))
	for _, tag := range filter.TypeTags {
		subjects = append(subjects, p.Subject(tag))
	}

	deliver, start := jetstream.DeliverAllPolicy, uint64(0)
	if filter.FromSequence > 0 {
		deliver, start = jetstream.DeliverByStartSequencePolicy, filter.FromSequence
	}

	var (
		cons jetstream.Consumer
		err  error
	)
	if filter.Durable != "" {
		cfg := jetstream.ConsumerConfig{
			Durable:       filter.Durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: deliver,
			OptStartSeq:   start,
		}
		if len(subjects) == 1 {
			cfg.FilterSubject = subjects[0]
		} else {
			cfg.FilterSubjects = subjects
		}
		cons, err = p.stream.CreateOrUpdateConsumer(ctx, cfg)
	} else {
		cons, err = p.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects: subjects,
			DeliverPolicy:  deliver,
			OptStartSeq:    start,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	durable := filter.Durable != ""
	log := p.log.With(slog.String("consumer", filter.Durable))

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		d, err := p.delivery(msg, codec)
		if err != nil {
			log.ErrorContext(subCtx, "undecodable event", slog.String("subject", msg.Subject()), slog.Any("error", err))
			if durable {
				_ = msg.Term()
			}
			return
		}

		if err := handler(subCtx, d); err != nil {
			log.WarnContext(subCtx, "event handler failed",
				slog.String("subject", d.Subject),
				slog.Uint64("seq", d.Sequence),
				slog.Any("error", err),
			)
			if durable {
				_ = msg.Nak()
			}
			return
		}
		if durable {
			_ = msg.Ack()
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	return &Subscription{consume: cc, cancel: cancel}, nil
}

func (p *Publisher) delivery(msg jetstream.Msg, codec eventsourcing.Codec) (Delivery, error) {
	h := msg.Headers()
	d := Delivery{
		Subject:     msg.Subject(),
		AggregateID: h.Get(HeaderAggregateID),
		Stream:      h.Get(HeaderStream),
		TypeTag:     h.Get(HeaderEventType),
		Payload:     msg.Data(),
		Metadata:    []byte(h.Get(HeaderMetadata)),
	}

	if md, err := msg.Metadata(); err == nil {
		d.Sequence = md.Sequence.Stream
	}
	if n := h.Get(HeaderEventNumber); n != "" {
		num, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return Delivery{}, fmt.Errorf("bad %s header %q: %w", HeaderEventNumber, n, err)
		}
		d.EventNumber = num
	}

	if codec != nil {
		event, err := codec.Decode(d.Metadata, d.Payload)
		if err != nil {
			return Delivery{}, err
		}
		d.Event = event
	}
	return d, nil
}
