package natsjs

import (
	"context"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"
)

// MsgCounter counts GetMsg calls made against the backing stream.
type MsgCounter struct {
	jetstream.Stream
	gets atomic.Int64
}

func (c *MsgCounter) GetMsg(ctx context.Context, seq uint64, opts ...jetstream.GetMsgOpt) (*jetstream.RawStreamMsg, error) {
	c.gets.Add(1)
	return c.Stream.GetMsg(ctx, seq, opts...)
}

// Reset returns the count so far and starts over.
func (c *MsgCounter) Reset() int64 {
	return c.gets.Swap(0)
}

func CountMsgGets(s *EventStore) *MsgCounter {
	c := &MsgCounter{Stream: s.stream}
	s.stream = c
	return c
}
