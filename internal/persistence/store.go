package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/basket/currency-agent/internal/otel"
)

const (
	defaultOpTimeout       = 5 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	busyRetries            = 5
)

// Config describes how to reach the database backing all three stores.
type Config struct {
	// Driver forces a dialect (sqlite, postgres, mysql). Empty infers it
	// from the DSN scheme and falls back to sqlite.
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// OpTimeout bounds every store operation. Zero means 5s.
	OpTimeout time.Duration

	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer

	// Now overrides the timestamp source; used by tests.
	Now func() time.Time
}

// Store owns the shared connection pool. The checkpoint, task and push
// stores are built on top of it and each manage their own table.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	logger    *slog.Logger
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer
	opTimeout time.Duration
	clock     *clock
	health    *health
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, dsn, err := resolveDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultMaxOpenConns))
		db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdleConns))
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	if dialect == DialectSQLite && isMemoryDSN(dsn) {
		// The database lives only as long as its one connection.
		db.SetMaxIdleConns(1)
		db.SetConnMaxIdleTime(0)
		lifetime = 0
	}
	db.SetConnMaxLifetime(lifetime)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:        db,
		dialect:   dialect,
		logger:    logger.With("component", "persistence", "dialect", string(dialect)),
		metrics:   cfg.Metrics,
		tracer:    tracer,
		opTimeout: opTimeout,
		clock:     &clock{now: now},
		health:    &health{},
	}

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		if err := s.configurePragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.health.recordPing(nil, s.clock.now())
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity and records the result in the health snapshot.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	err := s.db.PingContext(ctx)
	s.health.recordPing(err, s.clock.now())
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Health returns counters describing failures swallowed by the stores.
func (s *Store) Health() HealthSnapshot {
	return s.health.snapshot()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// readContext bounds a read by the operation timeout.
func (s *Store) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// writeContext detaches a write from caller cancellation; once dispatched the
// write completes or hits the operation timeout.
func (s *Store) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

// exec runs a rebound statement, retrying SQLite busy errors.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = s.dialect.rebind(query)
	var res sql.Result
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (s *Store) retry(ctx context.Context, f func() error) error {
	if s.dialect != DialectSQLite {
		return f()
	}
	return retryOnBusy(ctx, busyRetries, f)
}

// observe starts a span for a store operation. The returned func ends it and
// records duration and error metrics; ErrNotFound is not a failure.
func (s *Store) observe(ctx context.Context, table, op string) (context.Context, func(err error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		otelpkg.AttrStoreTable.String(table),
		otelpkg.AttrStoreOp.String(op),
	}
	ctx, span := otelpkg.StartClientSpan(ctx, s.tracer, "store."+table+"."+op, attrs...)
	return ctx, func(err error) {
		failed := Classify(err) == OutcomeTransientError
		if failed {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.health.recordError(table, op, err, s.clock.now())
		}
		span.End()
		if s.metrics == nil {
			return
		}
		set := metric.WithAttributes(append(attrs, attribute.Bool("error", failed))...)
		s.metrics.StoreOpDuration.Record(ctx, time.Since(start).Seconds(), set)
		if failed {
			s.metrics.StoreErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// clock hands out strictly increasing microsecond timestamps so rows written
// back to back still order deterministically by created_at.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
