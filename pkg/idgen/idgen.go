// Package idgen generates identifiers for events and publish batches.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewEventID returns a random UUIDv4 string. Used as the default event id.
func NewEventID() string {
	return uuid.NewString()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSortableID returns a ULID. IDs generated in the same process are
// strictly increasing, even within one millisecond.
func NewSortableID() string {
	return NewSortableIDAt(time.Now())
}

// NewSortableIDAt returns a ULID stamped with t.
func NewSortableIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
