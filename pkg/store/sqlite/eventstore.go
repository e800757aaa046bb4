// Package sqlite implements store.StreamStore on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/plaenen/aggregatestore/pkg/store"
)

// EventStore is a SQLite-backed store.StreamStore.
// Appends and deletes run in a transaction that re-checks the stream tail.
type EventStore struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
	mu  sync.RWMutex // serializes writers inside this process
}

type eventStoreConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	busyTimeout  time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "eventstore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		busyTimeout:  5 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations when the store is opened.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.busyTimeout = d
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.logger = logger
	}
}

// WithClock overrides the clock used to stamp recorded events.
func WithClock(now func() time.Time) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.now = now
	}
}

// NewEventStore opens the database and, unless disabled, migrates it.
//
//	// file database with WAL
//	s, err := sqlite.NewEventStore(ctx, sqlite.WithDSN("/var/lib/app/events.db"))
//
//	// in-memory database for tests
//	s, err := sqlite.NewEventStore(ctx, sqlite.WithMemoryDatabase())
func NewEventStore(ctx context.Context, opts ...EventStoreOption) (*EventStore, error) {
	cfg := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	memory := cfg.dsn == ":memory:"

	db, err := sql.Open("sqlite", withPragmas(cfg.dsn, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// each connection to :memory: gets its own database
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &EventStore{
		db:  db,
		log: cfg.logger.With(slog.String("store", "sqlite")),
		now: cfg.now,
	}

	if cfg.walMode && !memory {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// withPragmas adds per-connection pragmas to the DSN.
func withPragmas(dsn string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		dsn, sep, busyTimeout.Milliseconds())
}

// DB returns the underlying database handle.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

type streamState struct {
	exists  bool
	tail    int64
	deleted bool
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadStreamState(ctx context.Context, q queryer, stream string) (streamState, error) {
	var (
		st      = streamState{exists: true}
		deleted int
	)
	err := q.QueryRowContext(ctx,
		`SELECT last_event_number, deleted FROM streams WHERE stream_name = ?`, stream,
	).Scan(&st.tail, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return streamState{tail: -1}, nil
	}
	if err != nil {
		return streamState{}, fmt.Errorf("load stream %s: %w", stream, err)
	}
	st.deleted = deleted != 0
	return st, nil
}

// AppendToStream appends events atomically after checking the expected version.
func (s *EventStore) AppendToStream(
	ctx context.Context,
	stream string,
	expected store.ExpectedVersion,
	events []store.EventData,
) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := loadStreamState(ctx, tx, stream)
	if err != nil {
		return store.AppendResult{}, err
	}
	if st.deleted {
		return store.AppendResult{}, fmt.Errorf("append to %s: %w", stream, store.ErrStreamDeleted)
	}
	if !expected.Matches(st.tail) {
		return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, st.tail)
	}
	if len(events) == 0 {
		return store.AppendResult{NextExpectedVersion: st.tail}, nil
	}

	now := s.now().UnixNano()
	next := st.tail + int64(len(events))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (stream_name, last_event_number, deleted, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (stream_name) DO UPDATE SET
			last_event_number = excluded.last_event_number,
			updated_at = excluded.updated_at`,
		stream, next, now, now,
	)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("update stream %s: %w", stream, err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, stream_name, event_number, event_type, data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for i, e := range events {
		data := e.Data
		if data == nil {
			data = []byte{}
		}
		_, err := insert.ExecContext(ctx, e.EventID, stream, st.tail+1+int64(i), e.Type, data, e.Metadata, now)
		if isEventNumberConflict(err) {
			// another process won the race on the same file
			return store.AppendResult{}, store.NewWrongExpectedVersionError(stream, expected, st.tail+1)
		}
		if err != nil {
			return store.AppendResult{}, fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.AppendResult{}, fmt.Errorf("commit append to %s: %w", stream, err)
	}

	s.log.DebugContext(ctx, "append",
		slog.String("stream", stream),
		slog.String("expected", expected.String()),
		slog.Int("num_events", len(events)),
	)
	return store.AppendResult{NextExpectedVersion: next}, nil
}

func isEventNumberConflict(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		strings.Contains(serr.Error(), "events.event_number")
}

// ReadStreamEventsForward reads up to count events starting at start.
func (s *EventStore) ReadStreamEventsForward(
	ctx context.Context,
	stream string,
	start int64,
	count int,
) (*store.StreamSlice, error) {
	if err := store.ValidateRead(start, count); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := loadStreamState(ctx, tx, stream)
	if err != nil {
		return nil, err
	}
	switch {
	case st.deleted:
		return store.MissingSlice(stream, start, store.SliceStreamDeleted), nil
	case !st.exists || st.tail < 0:
		return store.MissingSlice(stream, start, store.SliceStreamNotFound), nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT event_number, event_id, event_type, data, metadata, created_at
		FROM events
		WHERE stream_name = ? AND event_number >= ?
		ORDER BY event_number
		LIMIT ?`,
		stream, start, count,
	)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	defer rows.Close()

	var events []store.RecordedEvent
	for rows.Next() {
		var (
			e       = store.RecordedEvent{StreamName: stream}
			created int64
		)
		if err := rows.Scan(&e.EventNumber, &e.EventID, &e.Type, &e.Data, &e.Metadata, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Created = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}

	return store.BuildSlice(stream, start, events, st.tail), nil
}

// DeleteStream tombstones the stream and removes its events.
func (s *EventStore) DeleteStream(ctx context.Context, stream string, expected store.ExpectedVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := loadStreamState(ctx, tx, stream)
	if err != nil {
		return err
	}
	if st.deleted {
		return fmt.Errorf("delete %s: %w", stream, store.ErrStreamDeleted)
	}
	if !expected.Matches(st.tail) {
		return store.NewWrongExpectedVersionError(stream, expected, st.tail)
	}

	now := s.now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (stream_name, last_event_number, deleted, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (stream_name) DO UPDATE SET
			deleted = 1,
			updated_at = excluded.updated_at`,
		stream, st.tail, now, now,
	)
	if err != nil {
		return fmt.Errorf("tombstone stream %s: %w", stream, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream_name = ?`, stream); err != nil {
		return fmt.Errorf("delete events of %s: %w", stream, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of %s: %w", stream, err)
	}

	s.log.DebugContext(ctx, "delete", slog.String("stream", stream))
	return nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

var _ store.StreamStore = (*EventStore)(nil)
