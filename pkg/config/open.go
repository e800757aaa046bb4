package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	"github.com/plaenen/aggregatestore/pkg/multitenancy"
	esnats "github.com/plaenen/aggregatestore/pkg/nats"
	"github.com/plaenen/aggregatestore/pkg/observability"
	"github.com/plaenen/aggregatestore/pkg/security/credentials"
	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
	"github.com/plaenen/aggregatestore/pkg/store/mongodb"
	"github.com/plaenen/aggregatestore/pkg/store/natsjs"
	esredis "github.com/plaenen/aggregatestore/pkg/store/redis"
	"github.com/plaenen/aggregatestore/pkg/store/sqlite"
)

// CredentialsProvider returns the provider for NATS connections: a sealed
// secret file when a keeper is configured, otherwise environment variables
// when any are set. It returns nil for anonymous connections.
func (c *Config) CredentialsProvider(ctx context.Context, log *slog.Logger) (credentials.Provider, error) {
	if c.Credentials.KeeperURL != "" {
		p, err := credentials.NewSecretProvider(ctx, credentials.SecretConfig{
			KeeperURL: c.Credentials.KeeperURL,
			Path:      c.Credentials.Path,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if c.Credentials.EnvPrefix == "" {
		return nil, nil
	}
	for _, name := range []string{"TOKEN", "USER", "JWT"} {
		if _, ok := os.LookupEnv(c.Credentials.EnvPrefix + name); ok {
			return credentials.NewEnvProvider(c.Credentials.EnvPrefix), nil
		}
	}
	return nil, nil
}

// ownedStore closes the connection it was opened on after the store.
type ownedStore struct {
	store.StreamStore
	release func() error
}

func (s *ownedStore) Close() error {
	return errors.Join(s.StreamStore.Close(), s.release())
}

// OpenStore opens the stream store selected by Store.Driver, scoped per
// tenant when Store.Tenancy is set. Closing the returned store also closes
// any client connection OpenStore created.
func (c *Config) OpenStore(ctx context.Context, log *slog.Logger, creds credentials.Provider) (store.StreamStore, error) {
	if log == nil {
		log = slog.Default()
	}

	switch c.Store.Tenancy {
	case TenancyNone:
		return c.openDriver(ctx, log, creds)
	case TenancyShared:
		s, err := c.openDriver(ctx, log, creds)
		if err != nil {
			return nil, err
		}
		return multitenancy.NewShared(s), nil
	case TenancySQLitePerTenant:
		sq := c.Store.SQLite
		factory := multitenancy.SQLitePerTenant(sq.TenantPath,
			sqlite.WithWALMode(sq.WALMode),
			sqlite.WithBusyTimeout(sq.BusyTimeout),
			sqlite.WithLogger(log),
		)
		return multitenancy.NewRouter(factory, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown store tenancy %q", ErrConfigInvalid, c.Store.Tenancy)
	}
}

func (c *Config) openDriver(ctx context.Context, log *slog.Logger, creds credentials.Provider) (store.StreamStore, error) {
	sc := c.Store

	switch sc.Driver {
	case DriverMemory:
		return memory.NewEventStore(), nil

	case DriverSQLite:
		s, err := sqlite.NewEventStore(ctx,
			sqlite.WithDSN(sc.SQLite.DSN),
			sqlite.WithWALMode(sc.SQLite.WALMode),
			sqlite.WithBusyTimeout(sc.SQLite.BusyTimeout),
			sqlite.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return s, nil

	case DriverNATS:
		nc, err := esnats.Connect(ctx, sc.NATS.URL, creds, nats.Name("aggregatestore"))
		if err != nil {
			return nil, err
		}
		ncfg := natsjs.DefaultConfig()
		ncfg.StreamName = sc.NATS.StreamName
		ncfg.SubjectPrefix = sc.NATS.SubjectPrefix
		ncfg.Logger = log
		if sc.NATS.MemoryStorage {
			ncfg.Storage = jetstream.MemoryStorage
		}
		s, err := natsjs.NewEventStore(ctx, nc, ncfg)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return &ownedStore{StreamStore: s, release: func() error {
			return nc.Drain()
		}}, nil

	case DriverRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    sc.Redis.Addrs,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s := esredis.NewEventStore(client,
			esredis.WithKeyPrefix(sc.Redis.KeyPrefix),
			esredis.WithLogger(log),
		)
		return &ownedStore{StreamStore: s, release: client.Close}, nil

	case DriverMongoDB:
		client, err := mongo.Connect(options.Client().ApplyURI(sc.MongoDB.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		release := func() error {
			return client.Disconnect(context.Background())
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = release()
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}
		opts := []mongodb.Option{mongodb.WithLogger(log)}
		if sc.MongoDB.Collection != "" {
			opts = append(opts, mongodb.WithCollection(sc.MongoDB.Collection))
		}
		s, err := mongodb.NewEventStore(ctx, client.Database(sc.MongoDB.Database), opts...)
		if err != nil {
			_ = release()
			return nil, err
		}
		return &ownedStore{StreamStore: s, release: release}, nil

	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrConfigInvalid, sc.Driver)
	}
}

// OpenPublisher connects to the publisher's NATS server. It returns nil
// when publishing is disabled. The returned function drains the connection.
func (c *Config) OpenPublisher(
	ctx context.Context,
	log *slog.Logger,
	creds credentials.Provider,
	metrics *observability.Metrics,
) (*esnats.Publisher, func() error, error) {
	if !c.Publisher.Enabled {
		return nil, func() error { return nil }, nil
	}

	nc, err := esnats.Connect(ctx, c.Publisher.URL, creds, nats.Name("aggregatestore-publisher"))
	if err != nil {
		return nil, nil, err
	}

	pcfg := esnats.DefaultPublisherConfig()
	pcfg.StreamName = c.Publisher.StreamName
	pcfg.SubjectPrefix = c.Publisher.SubjectPrefix
	if c.Publisher.MaxAge > 0 {
		pcfg.MaxAge = c.Publisher.MaxAge
	}
	pcfg.Logger = log
	pcfg.Metrics = metrics

	pub, err := esnats.NewPublisher(ctx, nc, pcfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return pub, nc.Drain, nil
}

// Observability maps the telemetry section onto observability.Config.
// Exporters are left to the caller.
func (c TelemetryConfig) Observability(version string, log *slog.Logger) observability.Config {
	return observability.Config{
		ServiceName:     c.ServiceName,
		ServiceVersion:  version,
		Environment:     c.Environment,
		TraceSampleRate: c.SampleRate,
		Logger:          log,
	}
}

// RepositoryOptions returns the repository options implied by c. pub must
// be a nil interface, not a typed nil, when publishing is disabled.
func (c *Config) RepositoryOptions(log *slog.Logger, tel *observability.Telemetry, pub eventsourcing.Publisher) []eventsourcing.Option {
	opts := []eventsourcing.Option{
		eventsourcing.WithLogger(log),
		eventsourcing.WithPageSize(c.Repository.PageSize),
	}
	if tel != nil {
		opts = append(opts, eventsourcing.WithTelemetry(tel))
	}
	if pub != nil {
		opts = append(opts, eventsourcing.WithPublisher(pub))
	}
	return opts
}

// Runtime is a repository assembled from configuration together with the
// resources it owns.
type Runtime struct {
	Repository *eventsourcing.Repository
	Store      store.StreamStore

	closers []func() error
}

// Close releases the store, the publisher connection and the credentials
// provider in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// OpenRuntime builds a repository over the configured store and publisher.
// When tel is not nil the store is instrumented and the repository traced.
func (c *Config) OpenRuntime(ctx context.Context, log *slog.Logger, codec eventsourcing.Codec, tel *observability.Telemetry) (_ *Runtime, err error) {
	if log == nil {
		log = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	creds, err := c.CredentialsProvider(ctx, log)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		rt.closers = append(rt.closers, creds.Close)
	}

	s, err := c.OpenStore(ctx, log, creds)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, s.Close)

	var metrics *observability.Metrics
	if tel != nil {
		metrics = tel.Metrics
		s = observability.InstrumentStore(s, tel.Tracer(observability.TracerName), metrics)
	}
	rt.Store = s

	pub, release, err := c.OpenPublisher(ctx, log, creds, metrics)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, release)

	var p eventsourcing.Publisher
	if pub != nil {
		p = pub
	}
	rt.Repository, err = eventsourcing.NewRepository(s, codec, c.RepositoryOptions(log, tel, p)...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
