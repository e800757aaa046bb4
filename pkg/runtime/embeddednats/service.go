// Package embeddednats runs the embedded NATS server as a runner.Service.
package embeddednats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/aggregatestore/pkg/nats"
	"github.com/plaenen/aggregatestore/pkg/observability"
	"github.com/plaenen/aggregatestore/pkg/runner"
	"github.com/plaenen/aggregatestore/pkg/security/credentials"
)

// Service owns an embedded NATS server between Start and Stop.
type Service struct {
	mu          sync.RWMutex
	server      *nats.EmbeddedServer
	log         *slog.Logger
	tracer      trace.Tracer
	creds       credentials.Provider
	natsOptions []nats.ServerOption
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

// WithTracer traces Start, Stop and HealthCheck.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithCredentials is used by HealthCheck when the server requires auth.
func WithCredentials(p credentials.Provider) Option {
	return func(s *Service) {
		s.creds = p
	}
}

// WithNATSOptions configures the server.
//
//	embeddednats.New(embeddednats.WithNATSOptions(
//		nats.WithPort(4222),
//		nats.WithStoreDir("/var/lib/aggregatestore/nats"),
//	))
func WithNATSOptions(opts ...nats.ServerOption) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// New creates the service. The server starts on Start.
func New(opts ...Option) *Service {
	s := &Service{
		log:    slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "embedded-nats"
}

func (s *Service) Start(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.start")
	defer func() { observability.EndSpan(span, err) }()

	opts := append([]nats.ServerOption{nats.WithServerLogger(s.log)}, s.natsOptions...)
	srv, err := nats.StartEmbeddedServer(opts...)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.stop")
	defer observability.EndSpan(span, nil)

	if srv := s.Server(); srv != nil {
		srv.Shutdown()
	}
	return nil
}

// HealthCheck dials the server.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, s.tracer, "embeddednats.health_check")
	defer func() { observability.EndSpan(span, err) }()

	srv := s.Server()
	if srv == nil {
		return errors.New("nats server not started")
	}
	nc, err := srv.Connect(ctx, s.creds)
	if err != nil {
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client URL, or "" before Start.
func (s *Service) URL() string {
	srv := s.Server()
	if srv == nil {
		return ""
	}
	return srv.URL()
}

// Server returns the running server, or nil before Start.
func (s *Service) Server() *nats.EmbeddedServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
