package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedVersion_Matches(t *testing.T) {
	tests := []struct {
		name     string
		expected ExpectedVersion
		tail     int64
		want     bool
	}{
		{"any on empty", Any, -1, true},
		{"any on populated", Any, 7, true},
		{"no stream on empty", NoStream, -1, true},
		{"no stream on populated", NoStream, 0, false},
		{"exact match", ExpectedVersion(3), 3, true},
		{"behind", ExpectedVersion(2), 3, false},
		{"ahead", ExpectedVersion(4), 3, false},
		{"zero on empty", ExpectedVersion(0), -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.expected.Matches(tt.tail))
		})
	}
}

func TestExpectedVersion_String(t *testing.T) {
	assert.Equal(t, "no-stream", NoStream.String())
	assert.Equal(t, "any", Any.String())
	assert.Equal(t, "12", ExpectedVersion(12).String())
}

func TestWrongExpectedVersionError(t *testing.T) {
	err := NewWrongExpectedVersionError("aggregate-1", ExpectedVersion(2), 5)

	assert.True(t, errors.Is(err, ErrWrongExpectedVersion))
	assert.False(t, errors.Is(err, ErrStreamDeleted))
	assert.Contains(t, err.Error(), "aggregate-1")

	var wev *WrongExpectedVersionError
	require.True(t, errors.As(err, &wev))
	assert.Equal(t, int64(5), wev.Actual)
}

func TestValidateRead(t *testing.T) {
	require.NoError(t, ValidateRead(0, 1))
	require.ErrorIs(t, ValidateRead(-1, 1), ErrInvalidRead)
	require.ErrorIs(t, ValidateRead(0, 0), ErrInvalidRead)
}

func TestBuildSlice(t *testing.T) {
	t.Run("full page in the middle", func(t *testing.T) {
		events := []RecordedEvent{{EventNumber: 2}, {EventNumber: 3}}
		s := BuildSlice("s", 2, events, 9)
		assert.Equal(t, SliceOK, s.Status)
		assert.Equal(t, int64(4), s.NextEventNumber)
		assert.False(t, s.IsEndOfStream)
	})

	t.Run("last page", func(t *testing.T) {
		events := []RecordedEvent{{EventNumber: 8}, {EventNumber: 9}}
		s := BuildSlice("s", 8, events, 9)
		assert.Equal(t, int64(10), s.NextEventNumber)
		assert.True(t, s.IsEndOfStream)
	})

	t.Run("past the end", func(t *testing.T) {
		s := BuildSlice("s", 12, nil, 9)
		assert.Equal(t, int64(12), s.NextEventNumber)
		assert.True(t, s.IsEndOfStream)
	})
}

func TestMissingSlice(t *testing.T) {
	s := MissingSlice("s", 0, SliceStreamDeleted)
	assert.Equal(t, SliceStreamDeleted, s.Status)
	assert.Equal(t, "stream-deleted", s.Status.String())
	assert.Equal(t, int64(-1), s.LastEventNumber)
	assert.True(t, s.IsEndOfStream)
}
