// Package nats embeds a NATS server and publishes committed events to
// JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/plaenen/aggregatestore/pkg/security/credentials"
)

// EmbeddedServer runs a JetStream enabled NATS server in process.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	log          *slog.Logger
	shutdownOnce sync.Once
}

type serverConfig struct {
	opts         server.Options
	readyTimeout time.Duration
	log          *slog.Logger
}

// ServerOption configures an EmbeddedServer.
type ServerOption func(*serverConfig)

// WithHost sets the listen address. Defaults to 127.0.0.1.
func WithHost(host string) ServerOption {
	return func(c *serverConfig) { c.opts.Host = host }
}

// WithPort sets the client port. Defaults to a random free port.
func WithPort(port int) ServerOption {
	return func(c *serverConfig) { c.opts.Port = port }
}

// WithStoreDir sets the JetStream storage directory. Without it the server
// picks a temporary directory.
func WithStoreDir(dir string) ServerOption {
	return func(c *serverConfig) { c.opts.StoreDir = dir }
}

// WithToken requires clients to authenticate with token.
func WithToken(token string) ServerOption {
	return func(c *serverConfig) { c.opts.Authorization = token }
}

// WithUserPassword requires clients to authenticate with user and password.
func WithUserPassword(user, password string) ServerOption {
	return func(c *serverConfig) {
		c.opts.Username = user
		c.opts.Password = password
	}
}

// WithReadyTimeout bounds how long start-up may take. Defaults to 5s.
func WithReadyTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.readyTimeout = d }
}

// WithServerLogger sets the logger used for lifecycle messages.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.log = logger }
}

// StartEmbeddedServer starts the server and waits until it accepts clients.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	cfg := serverConfig{
		opts: server.Options{
			Host:      "127.0.0.1",
			Port:      server.RANDOM_PORT,
			JetStream: true,
			NoSigs:    true,
		},
		readyTimeout: 5 * time.Second,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&cfg.opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after %s", cfg.readyTimeout)
	}

	e := &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		log:    cfg.log.With(slog.String("component", "nats-server")),
	}
	e.log.Info("embedded nats started",
		slog.String("url", e.url),
		slog.String("store_dir", s.StoreDir()),
	)
	return e, nil
}

// URL returns the client URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Connect dials the server, authenticating with the provider's credentials
// when one is given.
func (e *EmbeddedServer) Connect(ctx context.Context, creds credentials.Provider, opts ...nats.Option) (*nats.Conn, error) {
	return Connect(ctx, e.url, creds, opts...)
}

// Shutdown stops the server. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
			e.log.Info("embedded nats stopped")
		case <-time.After(5 * time.Second):
			e.log.Warn("embedded nats shutdown timed out")
		}
	})
}

// Connect dials url. Credentials from creds, if any, are applied before opts.
func Connect(ctx context.Context, url string, creds credentials.Provider, opts ...nats.Option) (*nats.Conn, error) {
	auth, err := credentials.NATSOptions(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("resolve nats credentials: %w", err)
	}
	nc, err := nats.Connect(url, append(auth, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
