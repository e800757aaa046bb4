package nats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	"github.com/plaenen/aggregatestore/pkg/security/credentials"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
)

type Opened struct {
	Owner string `json:"owner"`
}

type ticket struct {
	eventsourcing.AggregateRoot
	owner string
}

func newTicket() *ticket {
	return &ticket{AggregateRoot: eventsourcing.NewAggregateRoot("")}
}

func (t *ticket) ApplyEvent(event any) error {
	if e, ok := event.(*Opened); ok {
		t.owner = e.Owner
	}
	t.IncrementVersion()
	return nil
}

func startServer(t *testing.T, opts ...ServerOption) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbeddedServer(append([]ServerOption{WithStoreDir(t.TempDir())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEmbeddedServer_Auth(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, WithToken("s3cret"))

	_, err := srv.Connect(ctx, nil)
	require.Error(t, err, "anonymous clients are rejected")

	nc, err := srv.Connect(ctx, credentials.NewStaticTokenProvider("s3cret", 0))
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}

func TestEmbeddedServer_ShutdownTwice(t *testing.T) {
	srv, err := StartEmbeddedServer(WithStoreDir(t.TempDir()))
	require.NoError(t, err)

	srv.Shutdown()
	srv.Shutdown()
}

func TestPublisher_PublishesAfterSave(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	nc, err := srv.Connect(ctx, nil)
	require.NoError(t, err)
	defer nc.Close()

	cfg := DefaultPublisherConfig()
	pub, err := NewPublisher(ctx, nc, cfg)
	require.NoError(t, err)

	reg := eventsourcing.NewRegistry()
	require.NoError(t, eventsourcing.Register[Opened](reg, "ticket.Opened"))

	repo, err := eventsourcing.NewRepository(memory.NewEventStore(), reg, eventsourcing.WithPublisher(pub))
	require.NoError(t, err)

	tk := newTicket()
	tk.SetID("t-1")
	require.NoError(t, tk.Raise(tk, &Opened{Owner: "ada"}))
	require.NoError(t, repo.Save(ctx, tk, eventsourcing.WithEventMetadata(eventsourcing.EventMetadata{CorrelationID: "corr-1"})))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, cfg.StreamName)
	require.NoError(t, err)

	msg, err := stream.GetMsg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "events.Opened", msg.Subject)
	assert.JSONEq(t, `{"owner":"ada"}`, string(msg.Data))
	assert.Equal(t, "t-1", msg.Header.Get(HeaderAggregateID))
	assert.Equal(t, "aggregate-t-1", msg.Header.Get(HeaderStream))
	assert.Equal(t, "0", msg.Header.Get(HeaderEventNumber))
	assert.Contains(t, msg.Header.Get(HeaderMetadata), "corr-1")
}

func TestPublisher_DeduplicatesEventIDs(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	nc, err := srv.Connect(ctx, nil)
	require.NoError(t, err)
	defer nc.Close()

	cfg := DefaultPublisherConfig()
	pub, err := NewPublisher(ctx, nc, cfg)
	require.NoError(t, err)

	events := []eventsourcing.CommittedEvent{{
		AggregateID: "t-2",
		Stream:      "aggregate-t-2",
		EventID:     "evt-1",
		TypeTag:     "ticket.Opened",
		Payload:     []byte(`{}`),
	}}
	require.NoError(t, pub.Publish(ctx, events))
	require.NoError(t, pub.Publish(ctx, events))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, cfg.StreamName)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestNewPublisher_RequiresNames(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, PublisherConfig{})
	assert.Error(t, err)
}

func newPublisher(t *testing.T) (*Publisher, *eventsourcing.Repository) {
	t.Helper()
	ctx := context.Background()
	srv := startServer(t)

	nc, err := srv.Connect(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pub, err := NewPublisher(ctx, nc, DefaultPublisherConfig())
	require.NoError(t, err)

	reg := eventsourcing.NewRegistry()
	require.NoError(t, eventsourcing.Register[Opened](reg, "ticket.Opened"))
	repo, err := eventsourcing.NewRepository(memory.NewEventStore(), reg, eventsourcing.WithPublisher(pub))
	require.NoError(t, err)
	return pub, repo
}

func openTicket(t *testing.T, repo *eventsourcing.Repository, id, owner string) {
	t.Helper()
	tk := newTicket()
	tk.SetID(id)
	require.NoError(t, tk.Raise(tk, &Opened{Owner: owner}))
	require.NoError(t, repo.Save(context.Background(), tk))
}

func TestSubscribe_Ordered(t *testing.T) {
	ctx := context.Background()
	pub, repo := newPublisher(t)
	openTicket(t, repo, "t-1", "ada")

	got := make(chan Delivery, 4)
	sub, err := pub.Subscribe(ctx, EventFilter{TypeTags: []string{"Opened"}}, repo.Codec(), func(_ context.Context, d Delivery) error {
		got <- d
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	openTicket(t, repo, "t-2", "grace")

	for _, want := range []string{"ada", "grace"} {
		select {
		case d := <-got:
			opened, ok := d.Event.(*Opened)
			require.True(t, ok, "decoded %T", d.Event)
			assert.Equal(t, want, opened.Owner)
			assert.Equal(t, "events.Opened", d.Subject)
			assert.Equal(t, int64(0), d.EventNumber)
		case <-time.After(5 * time.Second):
			t.Fatalf("no delivery for %s", want)
		}
	}
}

func TestSubscribe_DurableRedelivers(t *testing.T) {
	ctx := context.Background()
	pub, repo := newPublisher(t)
	openTicket(t, repo, "t-1", "ada")

	var attempts atomic.Int32
	done := make(chan Delivery, 1)
	sub, err := pub.Subscribe(ctx, EventFilter{Durable: "tickets"}, nil, func(_ context.Context, d Delivery) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		done <- d
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case d := <-done:
		assert.Equal(t, "t-1", d.AggregateID)
		assert.Equal(t, "aggregate-t-1", d.Stream)
		assert.Nil(t, d.Event)
		assert.JSONEq(t, `{"owner":"ada"}`, string(d.Payload))
	case <-time.After(10 * time.Second):
		t.Fatal("event was not redelivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSubscribe_RequiresHandler(t *testing.T) {
	pub, _ := newPublisher(t)
	_, err := pub.Subscribe(context.Background(), EventFilter{}, nil, nil)
	assert.Error(t, err)
}
