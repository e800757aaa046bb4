package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// TypedRepository binds a Repository to one aggregate type.
type TypedRepository[T Aggregate] struct {
	repo    *Repository
	factory func() T
}

// NewTypedRepository creates a repository for aggregates built by factory.
func NewTypedRepository[T Aggregate](repo *Repository, factory func() T) *TypedRepository[T] {
	return &TypedRepository[T]{repo: repo, factory: factory}
}

// Load loads the aggregate with the given id. See Load.
func (r *TypedRepository[T]) Load(ctx context.Context, id string, opts ...LoadOption) (T, error) {
	return Load(ctx, r.repo, id, r.factory, opts...)
}

// Save persists the aggregate's uncommitted events. See Repository.Save.
func (r *TypedRepository[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return r.repo.Save(ctx, agg, opts...)
}

// Exists reports whether the aggregate's stream exists and is not deleted.
func (r *TypedRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	slice, err := r.repo.store.ReadStreamEventsForward(ctx, StreamName(id), 0, 1)
	if err != nil {
		return false, fmt.Errorf("check aggregate existence: %w", err)
	}
	return len(slice.Events) > 0, nil
}

// RetryOnConflict loads the aggregate, applies fn and saves it. When the
// save hits a version conflict the aggregate is reloaded and fn runs again,
// up to maxRetries extra attempts. Any other error is returned immediately.
func (r *TypedRepository[T]) RetryOnConflict(
	ctx context.Context,
	id string,
	maxRetries int,
	fn func(agg T) error,
	opts ...SaveOption,
) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		agg, err := r.Load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(agg); err != nil {
			return err
		}

		lastErr = r.Save(ctx, agg, opts...)
		if !errors.Is(lastErr, ErrAggregateVersionConflict) {
			return lastErr
		}

		r.repo.log.DebugContext(ctx, "retrying after version conflict",
			slog.String("id", id),
			slog.Int("attempt", attempt+1),
		)
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
