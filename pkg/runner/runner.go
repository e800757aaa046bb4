// Package runner starts services in order and stops them in reverse.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner manages the lifecycle of a fixed set of services.
type Runner struct {
	services        []Service
	log             *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.log = logger
	}
}

// WithShutdownTimeout bounds the whole shutdown. Defaults to 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start. Defaults to 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a Runner for services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		log:             slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in order and blocks until ctx is done, then
// stops the started services in reverse order. If a service fails to start
// the ones already running are stopped and the start error is returned.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting services", slog.Int("count", len(r.services)))

	started := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.log.Error("service failed to start", slog.String("service", svc.Name()), slog.Any("error", err))
			return errors.Join(
				fmt.Errorf("start service %s: %w", svc.Name(), err),
				r.stop(started),
			)
		}
		started = append(started, svc)
		r.log.Info("service started", slog.String("service", svc.Name()))
	}

	<-ctx.Done()
	r.log.Info("shutting down", slog.Duration("timeout", r.shutdownTimeout))
	return r.stop(started)
}

func (r *Runner) stop(services []Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(ctx); err != nil {
			r.log.Error("service failed to stop", slog.String("service", svc.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("stop service %s: %w", svc.Name(), err))
			continue
		}
		r.log.Info("service stopped", slog.String("service", svc.Name()))
	}
	return errors.Join(errs...)
}

// HealthCheck reports the first unhealthy service.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		if hc, ok := svc.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
			}
		}
	}
	return nil
}
