package multitenancy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
	"github.com/plaenen/aggregatestore/pkg/store/storetest"
)

type Noted struct {
	Text string `json:"text"`
}

type notebook struct {
	eventsourcing.AggregateRoot
	notes []string
}

func newNotebook() *notebook {
	return &notebook{AggregateRoot: eventsourcing.NewAggregateRoot("")}
}

func (n *notebook) ApplyEvent(event any) error {
	if e, ok := event.(*Noted); ok {
		n.notes = append(n.notes, e.Text)
	}
	n.IncrementVersion()
	return nil
}

func newRepo(t *testing.T, s store.StreamStore) *eventsourcing.TypedRepository[*notebook] {
	t.Helper()
	reg := eventsourcing.NewRegistry()
	require.NoError(t, eventsourcing.Register[Noted](reg, "notebook.Noted"))
	repo, err := eventsourcing.NewRepository(s, reg)
	require.NoError(t, err)
	return eventsourcing.NewTypedRepository(repo, newNotebook)
}

func write(t *testing.T, ctx context.Context, repo *eventsourcing.TypedRepository[*notebook], id, text string) {
	t.Helper()
	nb := newNotebook()
	nb.SetID(id)
	require.NoError(t, nb.Raise(nb, &Noted{Text: text}))
	require.NoError(t, repo.Save(ctx, nb))
}

func TestComposeDecomposeAggregateID(t *testing.T) {
	tests := []struct {
		tenant, id, composed string
	}{
		{"tenant-a", "acc-1", "tenant-a::acc-1"},
		{"", "acc-1", "acc-1"},
		{"t", "a::b", "t::a::b"},
	}
	for _, tt := range tests {
		t.Run(tt.composed, func(t *testing.T) {
			assert.Equal(t, tt.composed, ComposeAggregateID(tt.tenant, tt.id))
			tenant, id := DecomposeAggregateID(tt.composed)
			assert.Equal(t, tt.tenant, tenant)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestCheckTenant(t *testing.T) {
	assert.NoError(t, CheckTenant("a::1", "a"))
	assert.NoError(t, CheckTenant("1", "a"))
	assert.Error(t, CheckTenant("b::1", "a"))
}

func TestTenantContext(t *testing.T) {
	_, err := TenantID(context.Background())
	assert.ErrorIs(t, err, ErrNoTenant)

	_, err = TenantID(WithTenantID(context.Background(), ""))
	assert.ErrorIs(t, err, ErrNoTenant)

	ctx := WithTenantID(context.Background(), "t1")
	id, err := TenantID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	scoped, err := ScopedID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "t1::acc-1", scoped)
}

func TestShared_IsolatesTenants(t *testing.T) {
	backing := memory.NewEventStore()
	repo := newRepo(t, NewShared(backing))

	ctxA := WithTenantID(context.Background(), "tenant-a")
	ctxB := WithTenantID(context.Background(), "tenant-b")

	write(t, ctxA, repo, "acc-1", "from a")

	exists, err := repo.Exists(ctxB, "acc-1")
	require.NoError(t, err)
	assert.False(t, exists, "tenant b cannot see tenant a's aggregate")

	write(t, ctxB, repo, "acc-1", "from b")

	a, err := repo.Load(ctxA, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"from a"}, a.notes)

	b, err := repo.Load(ctxB, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"from b"}, b.notes)

	slice, err := backing.ReadStreamEventsForward(context.Background(), "aggregate-tenant-a::acc-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, slice.Events, 1, "stored under the tenant-scoped stream")
}

func TestShared_RejectsForeignIDs(t *testing.T) {
	s := NewShared(memory.NewEventStore())
	ctx := WithTenantID(context.Background(), "tenant-a")

	_, err := s.AppendToStream(ctx, eventsourcing.StreamName("tenant-b::acc-1"), store.Any, storetest.Events(1, 0))
	assert.Error(t, err)

	_, err = s.AppendToStream(ctx, "not-an-aggregate", store.Any, storetest.Events(1, 0))
	assert.Error(t, err)

	_, err = s.AppendToStream(context.Background(), eventsourcing.StreamName("acc-1"), store.Any, storetest.Events(1, 0))
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestRouter_DatabasePerTenant(t *testing.T) {
	dir := t.TempDir()
	router := NewRouter(SQLitePerTenant(filepath.Join(dir, "tenant_%s.db")), nil)
	t.Cleanup(func() { _ = router.Close() })
	repo := newRepo(t, router)

	ctxA := WithTenantID(context.Background(), "a")
	ctxB := WithTenantID(context.Background(), "b")

	write(t, ctxA, repo, "acc-1", "a1")
	write(t, ctxB, repo, "acc-2", "b1")

	exists, err := repo.Exists(ctxA, "acc-2")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := repo.Load(ctxB, "acc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, got.notes)

	assert.FileExists(t, filepath.Join(dir, "tenant_a.db"))
	assert.FileExists(t, filepath.Join(dir, "tenant_b.db"))

	_, err = repo.Load(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ErrNoTenant)

	_, err = repo.Load(WithTenantID(context.Background(), "../x"), "acc-1")
	assert.Error(t, err)
}

func TestRouter_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.StreamStore {
		return &tenantBound{
			Router: NewRouter(func(context.Context, string) (store.StreamStore, error) {
				return memory.NewEventStore(), nil
			}, nil),
			tenant: "conformance",
		}
	})
}

// tenantBound injects a fixed tenant so the router can run the shared
// conformance suite, whose calls carry a plain background context.
type tenantBound struct {
	*Router
	tenant string
}

func (b *tenantBound) AppendToStream(ctx context.Context, stream string, expected store.ExpectedVersion, events []store.EventData) (store.AppendResult, error) {
	return b.Router.AppendToStream(WithTenantID(ctx, b.tenant), stream, expected, events)
}

func (b *tenantBound) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int) (*store.StreamSlice, error) {
	return b.Router.ReadStreamEventsForward(WithTenantID(ctx, b.tenant), stream, start, count)
}

func (b *tenantBound) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	return b.Router.DeleteStream(WithTenantID(ctx, b.tenant), stream, expected)
}
