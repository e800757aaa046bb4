// Package config loads aggregatestore settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
)

// EnvPrefix prefixes every environment override, e.g. AGGSTORE_STORE_DRIVER.
const EnvPrefix = "AGGSTORE_"

// Store drivers.
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverNATS    = "nats"
	DriverRedis   = "redis"
	DriverMongoDB = "mongodb"
)

// Tenancy modes. The empty mode keeps a single unscoped store.
const (
	TenancyNone            = ""
	TenancyShared          = "shared"
	TenancySQLitePerTenant = "sqlite_per_tenant"
)

// Defaults.
const (
	DefaultSQLiteDSN       = "file:aggregatestore.db"
	DefaultNATSURL         = "nats://127.0.0.1:4222"
	DefaultRedisAddr       = "127.0.0.1:6379"
	DefaultMongoURI        = "mongodb://127.0.0.1:27017"
	DefaultMongoDatabase   = "aggregatestore"
	DefaultBusyTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	// ErrConfigInvalid wraps every validation failure.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrConfigNotFound is returned when an explicit config path does not exist.
	ErrConfigNotFound = errors.New("config file not found")
)

// Config is the complete configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" envPrefix:"STORE_"`
	Repository   RepositoryConfig   `yaml:"repository" envPrefix:"REPOSITORY_"`
	Publisher    PublisherConfig    `yaml:"publisher" envPrefix:"PUBLISHER_"`
	EmbeddedNATS EmbeddedNATSConfig `yaml:"embedded_nats" envPrefix:"EMBEDDED_NATS_"`
	Credentials  CredentialsConfig  `yaml:"credentials" envPrefix:"CREDENTIALS_"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
}

// StoreConfig selects and configures the stream store.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// Tenancy scopes streams by the tenant id carried in the context.
	// "shared" keeps all tenants in the driver's store; "sqlite_per_tenant"
	// opens one SQLite database per tenant from SQLite.TenantPath.
	Tenancy string `yaml:"tenancy" env:"TENANCY"`

	SQLite  SQLiteConfig  `yaml:"sqlite" envPrefix:"SQLITE_"`
	NATS    NATSConfig    `yaml:"nats" envPrefix:"NATS_"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	MongoDB MongoDBConfig `yaml:"mongodb" envPrefix:"MONGODB_"`
}

type SQLiteConfig struct {
	DSN         string        `yaml:"dsn" env:"DSN"`
	WALMode     bool          `yaml:"wal_mode" env:"WAL_MODE"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
	// TenantPath holds one %s for the tenant id, e.g. "./data/tenant_%s.db".
	TenantPath string `yaml:"tenant_path" env:"TENANT_PATH"`
}

type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	StreamName    string `yaml:"stream_name" env:"STREAM_NAME"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	MemoryStorage bool   `yaml:"memory_storage" env:"MEMORY_STORAGE"`
}

type RedisConfig struct {
	Addrs     []string `yaml:"addrs" env:"ADDRS" envSeparator:","`
	Password  string   `yaml:"password" env:"PASSWORD"`
	DB        int      `yaml:"db" env:"DB"`
	KeyPrefix string   `yaml:"key_prefix" env:"KEY_PREFIX"`
}

type MongoDBConfig struct {
	URI        string `yaml:"uri" env:"URI"`
	Database   string `yaml:"database" env:"DATABASE"`
	Collection string `yaml:"collection" env:"COLLECTION"`
}

type RepositoryConfig struct {
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`
}

// PublisherConfig enables publishing committed events to JetStream.
type PublisherConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	URL           string        `yaml:"url" env:"URL"`
	StreamName    string        `yaml:"stream_name" env:"STREAM_NAME"`
	SubjectPrefix string        `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	MaxAge        time.Duration `yaml:"max_age" env:"MAX_AGE"`
}

// EmbeddedNATSConfig configures the development server run by "esctl nats".
type EmbeddedNATSConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	StoreDir string `yaml:"store_dir" env:"STORE_DIR"`
	Token    string `yaml:"token" env:"TOKEN"`
}

// CredentialsConfig points at sealed NATS credentials. Both fields empty
// means NATS connections are anonymous unless NATS_TOKEN style variables
// are set.
type CredentialsConfig struct {
	KeeperURL string `yaml:"keeper_url" env:"KEEPER_URL"`
	Path      string `yaml:"path" env:"PATH"`
	EnvPrefix string `yaml:"env_prefix" env:"ENV_PREFIX"`
}

type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Environment string  `yaml:"environment" env:"ENVIRONMENT"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns a configuration that runs against an in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			SQLite: SQLiteConfig{
				DSN:         DefaultSQLiteDSN,
				WALMode:     true,
				BusyTimeout: DefaultBusyTimeout,
				TenantPath:  "tenant_%s.db",
			},
			NATS: NATSConfig{
				URL:           DefaultNATSURL,
				StreamName:    "AGGREGATE_STREAMS",
				SubjectPrefix: "es.streams",
			},
			Redis: RedisConfig{
				Addrs:     []string{DefaultRedisAddr},
				KeyPrefix: "es",
			},
			MongoDB: MongoDBConfig{
				URI:        DefaultMongoURI,
				Database:   DefaultMongoDatabase,
				Collection: "event_batches",
			},
		},
		Repository: RepositoryConfig{PageSize: eventsourcing.DefaultPageSize},
		Publisher: PublisherConfig{
			URL:           DefaultNATSURL,
			StreamName:    "AGGREGATE_EVENTS",
			SubjectPrefix: "events",
			MaxAge:        7 * 24 * time.Hour,
		},
		EmbeddedNATS: EmbeddedNATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Credentials: CredentialsConfig{EnvPrefix: "NATS_"},
		Telemetry: TelemetryConfig{
			ServiceName: "aggregatestore",
			Environment: "development",
			SampleRate:  1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	errs = c.validateStore(errs)
	if c.Repository.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("repository.page_size must be positive, got %d", c.Repository.PageSize))
	}
	if c.Publisher.Enabled {
		if !isNATSURL(c.Publisher.URL) {
			errs = append(errs, fmt.Errorf("publisher.url %q is not a nats URL", c.Publisher.URL))
		}
		if c.Publisher.StreamName == "" || c.Publisher.SubjectPrefix == "" {
			errs = append(errs, errors.New("publisher.stream_name and publisher.subject_prefix are required"))
		}
	}
	if c.EmbeddedNATS.Port < 0 || c.EmbeddedNATS.Port > 65535 {
		errs = append(errs, fmt.Errorf("embedded_nats.port must be between 0 and 65535, got %d", c.EmbeddedNATS.Port))
	}
	if (c.Credentials.KeeperURL == "") != (c.Credentials.Path == "") {
		errs = append(errs, errors.New("credentials.keeper_url and credentials.path must be set together"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate))
	}
	if !govalidator.IsIn(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if !govalidator.IsIn(strings.ToLower(c.Log.Format), "text", "json") {
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateStore(errs []error) []error {
	s := c.Store
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.SQLite.DSN == "" {
			errs = append(errs, errors.New("store.sqlite.dsn is required"))
		}
	case DriverNATS:
		if !isNATSURL(s.NATS.URL) {
			errs = append(errs, fmt.Errorf("store.nats.url %q is not a nats URL", s.NATS.URL))
		}
		if s.NATS.StreamName == "" || s.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("store.nats.stream_name and store.nats.subject_prefix are required"))
		}
	case DriverRedis:
		if len(s.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("store.redis.addrs is required"))
		}
		for _, addr := range s.Redis.Addrs {
			if !govalidator.IsDialString(addr) {
				errs = append(errs, fmt.Errorf("store.redis.addrs: %q is not host:port", addr))
			}
		}
	case DriverMongoDB:
		if !strings.HasPrefix(s.MongoDB.URI, "mongodb://") && !strings.HasPrefix(s.MongoDB.URI, "mongodb+srv://") {
			errs = append(errs, fmt.Errorf("store.mongodb.uri %q is not a mongodb URI", s.MongoDB.URI))
		}
		if s.MongoDB.Database == "" {
			errs = append(errs, errors.New("store.mongodb.database is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, nats, redis, mongodb", s.Driver))
	}

	switch s.Tenancy {
	case TenancyNone, TenancyShared:
	case TenancySQLitePerTenant:
		if s.Driver != DriverSQLite {
			errs = append(errs, fmt.Errorf("store.tenancy %s needs store.driver sqlite, got %q", s.Tenancy, s.Driver))
		}
		if strings.Count(s.SQLite.TenantPath, "%s") != 1 || strings.Count(s.SQLite.TenantPath, "%") != 1 {
			errs = append(errs, fmt.Errorf("store.sqlite.tenant_path %q must contain exactly one %%s", s.SQLite.TenantPath))
		}
	default:
		errs = append(errs, fmt.Errorf("store.tenancy %q is not one of shared, sqlite_per_tenant", s.Tenancy))
	}
	return errs
}

func isNATSURL(list string) bool {
	if list == "" {
		return false
	}
	for _, part := range strings.Split(list, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return false
		}
		if u.Scheme != "nats" && u.Scheme != "tls" {
			return false
		}
		if !govalidator.IsDialString(u.Host) {
			return false
		}
	}
	return true
}

// Load reads path (optional) over the defaults, applies AGGSTORE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
