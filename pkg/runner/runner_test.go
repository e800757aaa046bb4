package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) service(name string, startErr error) Func {
	return Func{
		ServiceName: name,
		OnStart: func(context.Context) error {
			r.add("start " + name)
			return startErr
		},
		OnStop: func(context.Context) error {
			r.add("stop " + name)
			return nil
		},
	}
}

func TestRunner_StartsInOrderStopsInReverse(t *testing.T) {
	rec := &recorder{}
	r := New([]Service{rec.service("a", nil), rec.service("b", nil)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.calls) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.calls)
}

func TestRunner_StartFailureStopsStarted(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	r := New([]Service{rec.service("a", nil), rec.service("b", boom), rec.service("c", nil)})

	err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.calls)
}

type unhealthy struct{ Func }

func (unhealthy) HealthCheck(context.Context) error { return errors.New("down") }

func TestRunner_HealthCheck(t *testing.T) {
	ok := New([]Service{Func{ServiceName: "plain"}})
	assert.NoError(t, ok.HealthCheck(context.Background()))

	bad := New([]Service{unhealthy{Func{ServiceName: "db"}}})
	err := bad.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}
