package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/sqlite"
)

// StoreFactory opens the store that holds tenantID's streams.
type StoreFactory func(ctx context.Context, tenantID string) (store.StreamStore, error)

// Router is a store.StreamStore that sends every call to the store of the
// tenant in the call's context. Stores are opened on first use and closed
// by Close.
type Router struct {
	factory StoreFactory
	log     *slog.Logger

	mu     sync.RWMutex
	stores map[string]store.StreamStore
	closed bool
}

// NewRouter creates a router over factory.
func NewRouter(factory StoreFactory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		factory: factory,
		log:     logger.With(slog.String("component", "tenant-router")),
		stores:  make(map[string]store.StreamStore),
	}
}

func (r *Router) storeFor(ctx context.Context) (store.StreamStore, error) {
	tenant, err := TenantID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.stores[tenant]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, errors.New("tenant router is closed")
	}
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[tenant]; ok {
		return s, nil
	}
	s, err = r.factory(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("open store for tenant %s: %w", tenant, err)
	}
	r.stores[tenant] = s
	r.log.InfoContext(ctx, "opened tenant store", slog.String("tenant", tenant))
	return s, nil
}

func (r *Router) AppendToStream(ctx context.Context, stream string, expected store.ExpectedVersion, events []store.EventData) (store.AppendResult, error) {
	s, err := r.storeFor(ctx)
	if err != nil {
		return store.AppendResult{}, err
	}
	return s.AppendToStream(ctx, stream, expected, events)
}

func (r *Router) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	s, err := r.storeFor(ctx)
	if err != nil {
		return nil, err
	}
	return s.ReadStreamEventsForward(ctx, stream, start, count)
}

func (r *Router) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	s, err := r.storeFor(ctx)
	if err != nil {
		return err
	}
	return s.DeleteStream(ctx, stream, expected)
}

// Close closes every opened tenant store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for tenant, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store for tenant %s: %w", tenant, err))
		}
	}
	r.stores = map[string]store.StreamStore{}
	r.closed = true
	return errors.Join(errs...)
}

// SQLitePerTenant opens one SQLite database per tenant. pathTemplate must
// contain a single %s for the tenant id, e.g. "./data/tenant_%s.db".
func SQLitePerTenant(pathTemplate string, opts ...sqlite.EventStoreOption) StoreFactory {
	return func(ctx context.Context, tenantID string) (store.StreamStore, error) {
		if strings.ContainsAny(tenantID, `/\.`) {
			return nil, fmt.Errorf("tenant id %q is not usable in a file name", tenantID)
		}
		all := append([]sqlite.EventStoreOption{sqlite.WithDSN(fmt.Sprintf(pathTemplate, tenantID))}, opts...)
		return sqlite.NewEventStore(ctx, all...)
	}
}

// Shared is a store.StreamStore over one backing store that keeps tenants
// apart by rewriting aggregate stream names to their tenant-scoped form.
// "aggregate-acc-1" for tenant "t1" is stored as "aggregate-t1::acc-1".
type Shared struct {
	next store.StreamStore
}

// NewShared wraps next.
func NewShared(next store.StreamStore) *Shared {
	return &Shared{next: next}
}

func (s *Shared) scoped(ctx context.Context, stream string) (string, error) {
	tenant, err := TenantID(ctx)
	if err != nil {
		return "", err
	}
	id, ok := strings.CutPrefix(stream, eventsourcing.StreamPrefix)
	if !ok {
		return "", fmt.Errorf("stream %s is not an aggregate stream", stream)
	}
	if err := CheckTenant(id, tenant); err != nil {
		return "", err
	}
	owner, _ := DecomposeAggregateID(id)
	if owner == "" {
		id = ComposeAggregateID(tenant, id)
	}
	return eventsourcing.StreamName(id), nil
}

func (s *Shared) AppendToStream(ctx context.Context, stream string, expected store.ExpectedVersion, events []store.EventData) (store.AppendResult, error) {
	scoped, err := s.scoped(ctx, stream)
	if err != nil {
		return store.AppendResult{}, err
	}
	return s.next.AppendToStream(ctx, scoped, expected, events)
}

// ReadStreamEventsForward reports records under the caller's stream name.
func (s *Shared) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	scoped, err := s.scoped(ctx, stream)
	if err != nil {
		return nil, err
	}
	slice, err := s.next.ReadStreamEventsForward(ctx, scoped, start, count)
	if err != nil {
		return nil, err
	}
	slice.Stream = stream
	for i := range slice.Events {
		slice.Events[i].StreamName = stream
	}
	return slice, nil
}

func (s *Shared) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	scoped, err := s.scoped(ctx, stream)
	if err != nil {
		return err
	}
	return s.next.DeleteStream(ctx, scoped, expected)
}

func (s *Shared) Close() error {
	return s.next.Close()
}

var (
	_ store.StreamStore = (*Router)(nil)
	_ store.StreamStore = (*Shared)(nil)
)
