package eventsourcing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
)

func TestLoad_AtVersion(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, memory.NewEventStore())
	seed(t, repo, "ten", 10)

	tests := []struct {
		name    string
		version int64
		applied []int
		wantErr error
	}{
		{"first event", 1, []int{1}, nil},
		{"middle", 5, []int{1, 2, 3, 4, 5}, nil},
		{"exact tail", 10, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, nil},
		{"past tail", 11, nil, ErrAggregateVersionConflict},
		{"far past tail", 500, nil, ErrAggregateVersionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(ctx, repo, "ten", newCounter, AtVersion(tt.version))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, c)

				var conflict *AggregateVersionConflictError
				require.True(t, errors.As(err, &conflict))
				assert.Equal(t, tt.version, conflict.ExpectedVersion)
				assert.Equal(t, int64(10), conflict.ActualVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, c.Version())
			assert.Equal(t, tt.applied, c.applied)
		})
	}
}

func TestLoad_InvalidVersion(t *testing.T) {
	ctx := context.Background()
	spy := newSpyStore()
	repo := newTestRepository(t, spy)

	for _, v := range []int64{0, -1, -100} {
		_, err := Load(ctx, repo, "any", newCounter, AtVersion(v))
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.Zero(t, spy.reads)
}

func TestLoad_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, memory.NewEventStore())

	t.Run("unknown id", func(t *testing.T) {
		_, err := Load(ctx, repo, "missing", newCounter)
		require.ErrorIs(t, err, ErrAggregateNotFound)

		var nf *AggregateNotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "missing", nf.AggregateID)
		assert.False(t, nf.Deleted)
	})

	t.Run("unknown id with version", func(t *testing.T) {
		_, err := Load(ctx, repo, "missing", newCounter, AtVersion(3))
		require.ErrorIs(t, err, ErrAggregateNotFound)
	})

	t.Run("deleted stream", func(t *testing.T) {
		seed(t, repo, "deleted", 2)
		require.NoError(t, repo.Store().DeleteStream(ctx, StreamName("deleted"), store.ExpectedVersion(1)))

		_, err := Load(ctx, repo, "deleted", newCounter)
		require.ErrorIs(t, err, ErrAggregateNotFound)

		var nf *AggregateNotFoundError
		require.True(t, errors.As(err, &nf))
		assert.True(t, nf.Deleted)
	})
}

func TestLoad_Pagination(t *testing.T) {
	ctx := context.Background()

	t.Run("pages are transparent", func(t *testing.T) {
		for _, pageSize := range []int{1, 3, 7, 10, 11, 1000} {
			spy := newSpyStore()
			repo := newTestRepository(t, spy, WithPageSize(pageSize))
			seed(t, repo, "paged", 10)

			c, err := Load(ctx, repo, "paged", newCounter)
			require.NoError(t, err)
			assert.Equal(t, int64(10), c.Version(), "page size %d", pageSize)
			assert.Equal(t, 55, c.total, "page size %d", pageSize)
		}
	})

	t.Run("bounded reads never ask for more than needed", func(t *testing.T) {
		spy := newSpyStore()
		repo := newTestRepository(t, spy, WithPageSize(3))
		seed(t, repo, "capped", 10)

		c, err := Load(ctx, repo, "capped", newCounter, AtVersion(5))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, c.applied)
		assert.Equal(t, []int{3, 3}, spy.counts)
	})

	t.Run("small target uses a single short page", func(t *testing.T) {
		spy := newSpyStore()
		repo := newTestRepository(t, spy)
		seed(t, repo, "short", 10)

		c, err := Load(ctx, repo, "short", newCounter, AtVersion(2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Version())
		assert.Equal(t, []int{3}, spy.counts)
	})
}

func TestLoad_ReadErrorUnchanged(t *testing.T) {
	spy := newSpyStore()
	spy.readErr = errTransport
	repo := newTestRepository(t, spy)

	_, err := Load(context.Background(), repo, "x", newCounter)
	assert.True(t, err == errTransport, "store error must be returned unchanged")
}

func TestLoad_DecodeFailure(t *testing.T) {
	ctx := context.Background()
	s := memory.NewEventStore()
	repo := newTestRepository(t, s)

	_, err := s.AppendToStream(ctx, StreamName("bad"), store.NoStream, []store.EventData{
		{EventID: "1", Type: "Incremented", Data: []byte(`{"by":1}`), Metadata: []byte(`{"event_type":"counter.Incremented"}`)},
		{EventID: "2", Type: "Exploded", Data: []byte(`{}`), Metadata: []byte(`{"event_type":"counter.Exploded"}`)},
	})
	require.NoError(t, err)

	c, err := Load(ctx, repo, "bad", newCounter)
	require.ErrorIs(t, err, ErrDecode)
	require.ErrorIs(t, err, ErrUnknownEventType)
	assert.Nil(t, c)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "aggregate-bad", de.Stream)
	assert.Equal(t, int64(1), de.EventNumber)
	assert.Equal(t, "counter.Exploded", de.EventType)

	// the cap keeps the bad record out of reach
	c, err = Load(ctx, repo, "bad", newCounter, AtVersion(1))
	require.NoError(t, err)
	assert.Equal(t, 1, c.total)
}

type sloppyCounter struct {
	counter
}

func (c *sloppyCounter) ApplyEvent(event any) error {
	// forgets to advance the version
	return nil
}

func TestLoad_VersionAccounting(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, memory.NewEventStore())
	seed(t, repo, "sloppy", 3)

	_, err := Load(ctx, repo, "sloppy", func() *sloppyCounter { return &sloppyCounter{} })
	require.ErrorIs(t, err, ErrAggregateVersionConflict)
}

func TestLoad_SaveAfterHistoricalLoad(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, memory.NewEventStore())
	seed(t, repo, "old", 4)

	c, err := Load(ctx, repo, "old", newCounter, AtVersion(2))
	require.NoError(t, err)

	require.NoError(t, c.Increment(1))
	require.ErrorIs(t, repo.Save(ctx, c), ErrAggregateVersionConflict)
}
