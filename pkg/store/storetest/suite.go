// Package storetest holds the conformance tests every store.StreamStore adapter runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/aggregatestore/pkg/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.StreamStore

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.StreamStore)
	}{
		{"AppendToNewStream", testAppendToNewStream},
		{"AppendWithExpectedVersion", testAppendWithExpectedVersion},
		{"WrongExpectedVersion", testWrongExpectedVersion},
		{"AnyVersion", testAnyVersion},
		{"ReadMissingStream", testReadMissingStream},
		{"ReadPages", testReadPages},
		{"ReadPastEnd", testReadPastEnd},
		{"InvalidRead", testInvalidRead},
		{"DeleteStream", testDeleteStream},
		{"DeleteWrongVersion", testDeleteWrongVersion},
		{"StreamsAreIsolated", testStreamsAreIsolated},
		{"ConcurrentAppends", testConcurrentAppends},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// StreamName returns a stream name unique to the running test.
func StreamName(t *testing.T) string {
	return "test-" + uuid.NewString()
}

// Events builds n records with fresh ids and sequential payloads starting at from.
func Events(n, from int) []store.EventData {
	out := make([]store.EventData, n)
	for i := range out {
		out[i] = store.EventData{
			EventID:  uuid.NewString(),
			Type:     "TestEvent",
			Data:     []byte(fmt.Sprintf(`{"n":%d}`, from+i)),
			Metadata: []byte(`{"event_type":"test.TestEvent"}`),
		}
	}
	return out
}

func testAppendToNewStream(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	res, err := s.AppendToStream(ctx, stream, store.NoStream, Events(3, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NextExpectedVersion)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	require.Equal(t, store.SliceOK, slice.Status)
	require.Len(t, slice.Events, 3)
	for i, e := range slice.Events {
		assert.Equal(t, int64(i), e.EventNumber)
		assert.Equal(t, stream, e.StreamName)
		assert.Equal(t, "TestEvent", e.Type)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(e.Data))
		assert.JSONEq(t, `{"event_type":"test.TestEvent"}`, string(e.Metadata))
	}
	assert.Equal(t, int64(3), slice.NextEventNumber)
	assert.Equal(t, int64(2), slice.LastEventNumber)
	assert.True(t, slice.IsEndOfStream)
}

func testAppendWithExpectedVersion(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(2, 0))
	require.NoError(t, err)

	res, err := s.AppendToStream(ctx, stream, store.ExpectedVersion(1), Events(2, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.NextExpectedVersion)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	require.Len(t, slice.Events, 4)
	assert.Equal(t, `{"n":3}`, string(slice.Events[3].Data))
}

func testWrongExpectedVersion(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.ExpectedVersion(0), Events(1, 0))
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	_, err = s.AppendToStream(ctx, stream, store.NoStream, Events(2, 0))
	require.NoError(t, err)

	_, err = s.AppendToStream(ctx, stream, store.NoStream, Events(1, 2))
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(0), Events(3, 2))
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	var wev *store.WrongExpectedVersionError
	require.True(t, errors.As(err, &wev))
	assert.Equal(t, int64(1), wev.Actual)

	// rejected batches leave nothing behind
	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	assert.Len(t, slice.Events, 2)
	assert.Equal(t, int64(1), slice.LastEventNumber)
}

func testAnyVersion(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.Any, Events(1, 0))
	require.NoError(t, err)
	res, err := s.AppendToStream(ctx, stream, store.Any, Events(1, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NextExpectedVersion)
}

func testReadMissingStream(t *testing.T, s store.StreamStore) {
	slice, err := s.ReadStreamEventsForward(context.Background(), StreamName(t), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, store.SliceStreamNotFound, slice.Status)
	assert.Empty(t, slice.Events)
	assert.True(t, slice.IsEndOfStream)
}

func testReadPages(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(7, 0))
	require.NoError(t, err)

	var (
		got   []int64
		start int64
	)
	for {
		slice, err := s.ReadStreamEventsForward(ctx, stream, start, 3)
		require.NoError(t, err)
		require.Equal(t, store.SliceOK, slice.Status)
		assert.LessOrEqual(t, len(slice.Events), 3)
		for _, e := range slice.Events {
			got = append(got, e.EventNumber)
		}
		start = slice.NextEventNumber
		if slice.IsEndOfStream {
			break
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, got)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 3, 2)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	assert.Equal(t, int64(3), slice.Events[0].EventNumber)
	assert.Equal(t, int64(5), slice.NextEventNumber)
	assert.False(t, slice.IsEndOfStream)
}

func testReadPastEnd(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(2, 0))
	require.NoError(t, err)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, store.SliceOK, slice.Status)
	assert.Empty(t, slice.Events)
	assert.True(t, slice.IsEndOfStream)
	assert.Equal(t, int64(1), slice.LastEventNumber)
}

func testInvalidRead(t *testing.T, s store.StreamStore) {
	ctx := context.Background()

	_, err := s.ReadStreamEventsForward(ctx, StreamName(t), -1, 10)
	require.ErrorIs(t, err, store.ErrInvalidRead)

	_, err = s.ReadStreamEventsForward(ctx, StreamName(t), 0, 0)
	require.ErrorIs(t, err, store.ErrInvalidRead)
}

func testDeleteStream(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(2, 0))
	require.NoError(t, err)

	require.NoError(t, s.DeleteStream(ctx, stream, store.ExpectedVersion(1)))

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, store.SliceStreamDeleted, slice.Status)
	assert.Empty(t, slice.Events)

	_, err = s.AppendToStream(ctx, stream, store.Any, Events(1, 2))
	require.ErrorIs(t, err, store.ErrStreamDeleted)

	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(1), Events(1, 2))
	require.ErrorIs(t, err, store.ErrStreamDeleted)

	err = s.DeleteStream(ctx, stream, store.Any)
	require.ErrorIs(t, err, store.ErrStreamDeleted)
}

func testDeleteWrongVersion(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(2, 0))
	require.NoError(t, err)

	err = s.DeleteStream(ctx, stream, store.ExpectedVersion(0))
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, store.SliceOK, slice.Status)
	assert.Len(t, slice.Events, 2)
}

func testStreamsAreIsolated(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	a, b := StreamName(t), StreamName(t)

	_, err := s.AppendToStream(ctx, a, store.NoStream, Events(3, 0))
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, b, store.NoStream, Events(1, 100))
	require.NoError(t, err)

	slice, err := s.ReadStreamEventsForward(ctx, b, 0, 10)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)
	assert.Equal(t, int64(0), slice.Events[0].EventNumber)
	assert.Equal(t, `{"n":100}`, string(slice.Events[0].Data))
}

func testConcurrentAppends(t *testing.T, s store.StreamStore) {
	ctx := context.Background()
	stream := StreamName(t)

	_, err := s.AppendToStream(ctx, stream, store.NoStream, Events(1, 0))
	require.NoError(t, err)

	const writers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendToStream(ctx, stream, store.ExpectedVersion(0), Events(2, 10*i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrWrongExpectedVersion):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	assert.Len(t, slice.Events, 3)
}
