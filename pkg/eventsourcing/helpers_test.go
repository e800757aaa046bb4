package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
)

type Incremented struct {
	By int `json:"by"`
}

type Renamed struct {
	Name string `json:"name"`
}

type counter struct {
	AggregateRoot
	total   int
	name    string
	applied []int
}

func newCounter() *counter {
	return &counter{}
}

func (c *counter) ApplyEvent(event any) error {
	switch e := event.(type) {
	case *Incremented:
		c.total += e.By
		c.applied = append(c.applied, e.By)
	case *Renamed:
		c.name = e.Name
	default:
		return fmt.Errorf("counter: unexpected event %T", event)
	}
	c.IncrementVersion()
	return nil
}

func (c *counter) Increment(by int) error {
	return c.Raise(c, &Incremented{By: by})
}

func (c *counter) Rename(name string) error {
	return c.Raise(c, &Renamed{Name: name})
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, Register[Incremented](r, "counter.Incremented"))
	require.NoError(t, Register[Renamed](r, "counter.Renamed"))
	return r
}

// spyStore counts calls and can inject errors in front of a memory store.
type spyStore struct {
	store.StreamStore

	mu        sync.Mutex
	appends   int
	reads     int
	counts    []int
	appendErr error
	readErr   error
}

func newSpyStore() *spyStore {
	return &spyStore{StreamStore: memory.NewEventStore()}
}

func (s *spyStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	s.mu.Lock()
	s.appends++
	err := s.appendErr
	s.mu.Unlock()
	if err != nil {
		return store.AppendResult{}, err
	}
	return s.StreamStore.AppendToStream(ctx, stream, expected, events)
}

func (s *spyStore) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	s.mu.Lock()
	s.reads++
	s.counts = append(s.counts, count)
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.StreamStore.ReadStreamEventsForward(ctx, stream, start, count)
}

func newTestRepository(t *testing.T, s store.StreamStore, opts ...Option) *Repository {
	t.Helper()
	repo, err := NewRepository(s, testRegistry(t), opts...)
	require.NoError(t, err)
	return repo
}

// seed saves a counter with n increments of 1..n.
func seed(t *testing.T, repo *Repository, id string, n int) {
	t.Helper()
	c := newCounter()
	c.SetID(id)
	for i := 1; i <= n; i++ {
		require.NoError(t, c.Increment(i))
	}
	require.NoError(t, repo.Save(context.Background(), c))
}

var errTransport = errors.New("connection reset")
