package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/plaenen/aggregatestore/pkg/config"
	"github.com/plaenen/aggregatestore/pkg/eventsourcing"
	esnats "github.com/plaenen/aggregatestore/pkg/nats"
	"github.com/plaenen/aggregatestore/pkg/runner"
	"github.com/plaenen/aggregatestore/pkg/runtime/embeddednats"
	"github.com/plaenen/aggregatestore/pkg/security/credentials"
	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/sqlite"
)

type environment struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func (e *environment) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Log.NewLogger(e.stderr), nil
}

func (e *environment) openStore(ctx context.Context) (store.StreamStore, error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, err
	}
	creds, err := cfg.CredentialsProvider(ctx, log)
	if err != nil {
		return nil, err
	}
	s, err := cfg.OpenStore(ctx, log, creds)
	if err != nil {
		if creds != nil {
			_ = creds.Close()
		}
		return nil, err
	}
	if creds == nil {
		return s, nil
	}
	return &credentialedStore{StreamStore: s, creds: creds}, nil
}

// credentialedStore closes the credentials provider with the store.
type credentialedStore struct {
	store.StreamStore
	creds credentials.Provider
}

func (s *credentialedStore) Close() error {
	return errors.Join(s.StreamStore.Close(), s.creds.Close())
}

func (e *environment) flagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "usage: esctl %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// streamArg resolves the single positional argument to a stream name.
func streamArg(fs *flag.FlagSet, raw bool) (string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return "", errUsage
	}
	if raw {
		return fs.Arg(0), nil
	}
	return eventsourcing.StreamName(fs.Arg(0)), nil
}

type eventLine struct {
	Stream        string            `json:"stream"`
	EventNumber   int64             `json:"event_number"`
	EventID       string            `json:"event_id"`
	Type          string            `json:"type"`
	EventType     string            `json:"event_type,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	PrincipalID   string            `json:"principal_id,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
	Created       time.Time         `json:"created"`
	Data          json.RawMessage   `json:"data,omitempty"`
	DataBase64    []byte            `json:"data_base64,omitempty"`
}

func newEventLine(rec store.RecordedEvent) eventLine {
	line := eventLine{
		Stream:      rec.StreamName,
		EventNumber: rec.EventNumber,
		EventID:     rec.EventID,
		Type:        rec.Type,
		Created:     rec.Created,
	}
	if h, err := eventsourcing.ParseHeader(rec.Metadata); err == nil {
		line.EventType = h.EventType
		line.CorrelationID = h.CorrelationID
		line.CausationID = h.CausationID
		line.PrincipalID = h.PrincipalID
		line.Custom = h.Custom
	}
	if json.Valid(rec.Data) {
		line.Data = rec.Data
	} else {
		line.DataBase64 = rec.Data
	}
	return line
}

func (e *environment) read(ctx context.Context, args []string) error {
	fs := e.flagSet("read", "<aggregate-id>")
	from := fs.Int64("from", 0, "first event number")
	limit := fs.Int64("limit", 0, "maximum number of events, 0 for all")
	pageSize := fs.Int("page-size", eventsourcing.DefaultPageSize, "events per read")
	raw := fs.Bool("raw-stream", false, "treat the argument as a stream name instead of an aggregate id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stream, err := streamArg(fs, *raw)
	if err != nil {
		return err
	}
	if *pageSize <= 0 {
		return fmt.Errorf("page-size must be positive, got %d", *pageSize)
	}

	s, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	enc := json.NewEncoder(e.stdout)
	next, written := *from, int64(0)
	for {
		count := *pageSize
		if *limit > 0 {
			count = int(min(int64(count), *limit-written))
		}
		slice, err := s.ReadStreamEventsForward(ctx, stream, next, count)
		if err != nil {
			return err
		}
		switch slice.Status {
		case store.SliceStreamNotFound:
			return fmt.Errorf("stream %s not found", stream)
		case store.SliceStreamDeleted:
			return fmt.Errorf("stream %s is deleted", stream)
		}
		for _, rec := range slice.Events {
			if err := enc.Encode(newEventLine(rec)); err != nil {
				return err
			}
			written++
		}
		next = slice.NextEventNumber
		if slice.IsEndOfStream || (*limit > 0 && written >= *limit) {
			return nil
		}
	}
}

func (e *environment) delete(ctx context.Context, args []string) error {
	fs := e.flagSet("delete", "<aggregate-id>")
	expected := fs.Int64("expected", int64(store.Any), "expected last event number; -1 for no stream, -2 for any")
	raw := fs.Bool("raw-stream", false, "treat the argument as a stream name instead of an aggregate id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stream, err := streamArg(fs, *raw)
	if err != nil {
		return err
	}

	s, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.DeleteStream(ctx, stream, store.ExpectedVersion(*expected)); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "deleted %s\n", stream)
	return nil
}

func (e *environment) migrate(ctx context.Context, args []string) error {
	fs := e.flagSet("migrate", "")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := e.load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.DriverSQLite {
		return fmt.Errorf("migrate needs the sqlite driver, config selects %q", cfg.Store.Driver)
	}

	s, err := cfg.OpenStore(ctx, log, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	db, ok := s.(*sqlite.EventStore)
	if !ok {
		return fmt.Errorf("unexpected store type %T", s)
	}
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	v, err := db.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "schema version %d\n", v)
	return nil
}

func (e *environment) nats(ctx context.Context, args []string) error {
	cfg, log, err := e.load()
	if err != nil {
		return err
	}

	fs := e.flagSet("nats", "")
	host := fs.String("host", cfg.EmbeddedNATS.Host, "listen host")
	port := fs.Int("port", cfg.EmbeddedNATS.Port, "listen port, -1 for random")
	storeDir := fs.String("store-dir", cfg.EmbeddedNATS.StoreDir, "JetStream storage directory")
	token := fs.String("token", cfg.EmbeddedNATS.Token, "require this client token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	serverOpts := []esnats.ServerOption{esnats.WithHost(*host), esnats.WithPort(*port)}
	if *storeDir != "" {
		serverOpts = append(serverOpts, esnats.WithStoreDir(*storeDir))
	}
	svcOpts := []embeddednats.Option{embeddednats.WithLogger(log)}
	if *token != "" {
		serverOpts = append(serverOpts, esnats.WithToken(*token))
		svcOpts = append(svcOpts, embeddednats.WithCredentials(credentials.NewStaticTokenProvider(*token, 0)))
	}
	svc := embeddednats.New(append(svcOpts, embeddednats.WithNATSOptions(serverOpts...))...)

	announce := runner.Func{
		ServiceName: "announce",
		OnStart: func(ctx context.Context) error {
			if err := svc.HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintln(e.stdout, svc.URL())
			return nil
		},
	}

	r := runner.New([]runner.Service{svc, announce},
		runner.WithLogger(log),
		runner.WithShutdownTimeout(config.DefaultShutdownTimeout),
	)
	return r.Run(ctx)
}

func (e *environment) seal(ctx context.Context, args []string) error {
	fs := e.flagSet("seal", "")
	keeper := fs.String("keeper", "", "gocloud secrets keeper URL, e.g. base64key://...")
	out := fs.String("out", "", "file to write the sealed credentials to")
	token := fs.String("token", "", "NATS token")
	user := fs.String("user", "", "NATS user")
	password := fs.String("password", os.Getenv("ESCTL_NATS_PASSWORD"), "NATS password")
	jwt := fs.String("jwt", "", "NATS user JWT")
	seed := fs.String("seed", os.Getenv("ESCTL_NATS_SEED"), "NATS nkey seed")
	ttl := fs.Duration("ttl", 0, "credential lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keeper == "" || *out == "" {
		fs.Usage()
		return errUsage
	}

	var creds *credentials.Credentials
	switch {
	case *token != "":
		creds = &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: *token}
	case *user != "":
		creds = &credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: *user, Password: *password}
	case *jwt != "":
		creds = &credentials.Credentials{Type: credentials.CredentialTypeJWT, JWT: *jwt, Seed: *seed}
	default:
		return errors.New("one of -token, -user or -jwt is required")
	}
	if *ttl > 0 {
		exp := time.Now().Add(*ttl)
		creds.ExpiresAt = &exp
	}

	if err := credentials.Seal(ctx, *keeper, *out, creds); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "sealed %s credentials to %s\n", creds.Type, *out)
	return nil
}
