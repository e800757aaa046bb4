//go:build integration

package mongodb_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/mongodb"
	"github.com/plaenen/aggregatestore/pkg/store/storetest"
)

// mongoURI returns MONGODB_URI when set, otherwise starts a container.
func mongoURI(t *testing.T) string {
	t.Helper()
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		return uri
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Errorf("terminate mongo container: %v", err)
		}
	})

	endpoint, err := c.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)
	return endpoint
}

func testDatabase(t *testing.T, uri string) *mongo.Database {
	t.Helper()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)

	db := client.Database(fmt.Sprintf("aggregatestore_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return db
}

func TestEventStore(t *testing.T) {
	uri := mongoURI(t)

	storetest.Run(t, func(t *testing.T) store.StreamStore {
		s, err := mongodb.NewEventStore(context.Background(), testDatabase(t, uri))
		require.NoError(t, err)
		return s
	})
}

func TestEventStore_OneDocumentPerBatch(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t, mongoURI(t))
	s, err := mongodb.NewEventStore(ctx, db, mongodb.WithCollection("batches"))
	require.NoError(t, err)

	stream := storetest.StreamName(t)
	_, err = s.AppendToStream(ctx, stream, store.NoStream, storetest.Events(3, 0))
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, stream, store.ExpectedVersion(2), storetest.Events(2, 3))
	require.NoError(t, err)

	n, err := db.Collection("batches").CountDocuments(ctx, bson.M{"stream": stream})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 2, 2)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	assert.Equal(t, int64(2), slice.Events[0].EventNumber)
	assert.Equal(t, int64(3), slice.Events[1].EventNumber)
}

func TestEventStore_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	s, err := mongodb.NewEventStore(ctx, testDatabase(t, mongoURI(t)))
	require.NoError(t, err)

	events := storetest.Events(1, 0)
	_, err = s.AppendToStream(ctx, storetest.StreamName(t), store.NoStream, events)
	require.NoError(t, err)

	_, err = s.AppendToStream(ctx, storetest.StreamName(t), store.NoStream, events)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrWrongExpectedVersion)
}

func TestEventStore_RejectsDuplicateIDsInBatch(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t, mongoURI(t))
	s, err := mongodb.NewEventStore(ctx, db)
	require.NoError(t, err)

	stream := storetest.StreamName(t)
	events := storetest.Events(2, 0)
	events[1].EventID = events[0].EventID

	_, err = s.AppendToStream(ctx, stream, store.NoStream, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate event id")
	assert.NotErrorIs(t, err, store.ErrWrongExpectedVersion)

	slice, err := s.ReadStreamEventsForward(ctx, stream, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, store.SliceStreamNotFound, slice.Status)
}
