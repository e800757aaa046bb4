package natsjs_test

import (
	"context"
	"math/bits"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esnats "github.com/plaenen/aggregatestore/pkg/nats"
	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/natsjs"
	"github.com/plaenen/aggregatestore/pkg/store/storetest"
)

func newStore(t *testing.T, cfg natsjs.Config) (*natsjs.EventStore, *esnats.EmbeddedServer) {
	t.Helper()
	ctx := context.Background()

	srv, err := esnats.StartEmbeddedServer(esnats.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := srv.Connect(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	s, err := natsjs.NewEventStore(ctx, nc, cfg)
	require.NoError(t, err)
	return s, srv
}

func TestEventStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.StreamStore {
		s, _ := newStore(t, natsjs.DefaultConfig())
		return s
	})
}

func TestEventStore_MemoryStorage(t *testing.T) {
	cfg := natsjs.DefaultConfig()
	cfg.Storage = jetstream.MemoryStorage
	storetest.Run(t, func(t *testing.T) store.StreamStore {
		s, _ := newStore(t, cfg)
		return s
	})
}

func TestEventStore_SpansBatches(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, natsjs.DefaultConfig())
	stream := storetest.StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, storetest.Events(3, 0))
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(2), storetest.Events(3, 3))
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(5), storetest.Events(3, 6))
	require.NoError(t, err)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 2, 5)
	require.NoError(t, err)
	require.Len(t, slice.Events, 5)
	for i, e := range slice.Events {
		assert.Equal(t, int64(2+i), e.EventNumber)
	}
	assert.Equal(t, int64(7), slice.NextEventNumber)
	assert.Equal(t, int64(8), slice.LastEventNumber)
	assert.False(t, slice.IsEndOfStream)
}

func TestEventStore_PageReadsSeekToStart(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, natsjs.DefaultConfig())
	single, triple := storetest.StreamName(t), storetest.StreamName(t)

	const appends = 300
	for i := range appends {
		_, err := s.AppendToStream(ctx, single, store.ExpectedVersion(i-1), storetest.Events(1, i))
		require.NoError(t, err)
		if i%3 == 0 {
			_, err = s.AppendToStream(ctx, triple, store.ExpectedVersion(i-1), storetest.Events(3, i))
			require.NoError(t, err)
		}
	}

	counter := natsjs.CountMsgGets(s)
	headSeq := uint64(appends + appends/3)
	// One lookup per halving of the sequence range, then one per batch read.
	seekBudget := int64(bits.Len64(headSeq)) + 1

	for _, start := range []int64{0, 1, 150, 290} {
		counter.Reset()
		slice, err := s.ReadStreamEventsForward(ctx, single, start, 10)
		require.NoError(t, err)
		require.Len(t, slice.Events, 10)
		for i, e := range slice.Events {
			assert.Equal(t, start+int64(i), e.EventNumber)
		}
		assert.LessOrEqual(t, counter.Reset(), seekBudget+10, "start %d", start)
	}

	// Starting inside a multi-event batch.
	slice, err := s.ReadStreamEventsForward(ctx, triple, 4, 4)
	require.NoError(t, err)
	require.Len(t, slice.Events, 4)
	for i, e := range slice.Events {
		assert.Equal(t, int64(4+i), e.EventNumber)
	}
	assert.LessOrEqual(t, counter.Reset(), seekBudget+2)

	slice, err = s.ReadStreamEventsForward(ctx, single, appends, 10)
	require.NoError(t, err)
	assert.Empty(t, slice.Events)
	assert.True(t, slice.IsEndOfStream)
	assert.Zero(t, counter.Reset())
}

func TestEventStore_CreatedUsesClock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cfg := natsjs.DefaultConfig()
	cfg.Clock = func() time.Time { return fixed }
	s, _ := newStore(t, cfg)
	stream := storetest.StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, storetest.Events(1, 0))
	require.NoError(t, err)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 1)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)
	assert.True(t, fixed.Equal(slice.Events[0].Created))
}

func TestEventStore_DeletePurgesHistory(t *testing.T) {
	ctx := context.Background()
	s, srv := newStore(t, natsjs.DefaultConfig())
	stream := storetest.StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, storetest.Events(2, 0))
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(1), storetest.Events(2, 2))
	require.NoError(t, err)
	require.NoError(t, s.DeleteStream(ctx, stream, store.Any))

	nc, err := srv.Connect(ctx, nil)
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	jsStream, err := js.Stream(ctx, natsjs.DefaultConfig().StreamName)
	require.NoError(t, err)
	info, err := jsStream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs, "only the tombstone remains")
}

func TestNewEventStore_RequiresNames(t *testing.T) {
	_, err := natsjs.NewEventStore(context.Background(), nil, natsjs.Config{})
	assert.Error(t, err)
}
