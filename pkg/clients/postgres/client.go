// Package postgres provides a PostgreSQL client with connection pooling,
// OpenTelemetry tracing and structured error classification.
//
// # Connection Management
//
// The client uses pgxpool. [NewClient] pings the database with bounded
// exponential backoff before returning, so a service started alongside its
// database container waits for it instead of failing on the first attempt.
// After startup, pgxpool replaces broken connections on its own.
//
//	cfg := postgres.DefaultConfig()
//	cfg.Password = postgres.Secret("my-password")
//	client, err := postgres.NewClient(ctx, *cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// For tests, [NewFromPool] accepts a pgxmock pool.
//
// # Errors
//
// Every error returned by the client is a [*cgerr.Error]. [WrapError]
// exposes the same classification to callers that scan rows themselves:
// unique violations become [cgerr.CodeAlreadyExists], no-rows becomes
// [cgerr.CodeNotFound], deadlines become [cgerr.CodeTimeoutDatabase] and
// everything else becomes [cgerr.CodePersistence].
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

const tracerName = "github.com/choregarden/choregarden-core/pkg/clients/postgres"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Pool is the subset of [*pgxpool.Pool] used by the client. pgxmock pools
// satisfy it too.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client wraps a [Pool] with tracing and error classification. It is safe
// for concurrent use.
type Client struct {
	pool         Pool
	config       *Config
	tracer       trace.Tracer
	databaseName string
}

// NewClient validates cfg, creates the pool and waits for the database to
// answer a ping. A nil logger uses [slog.Default].
//
// Error codes returned:
//   - [cgerr.CodeValidation]: invalid configuration
//   - [cgerr.CodeInternalConfiguration]: TLS setup failure
//   - [cgerr.CodeDependencyUnavailable]: database unreachable after all retries
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, cgerr.Wrap(err, cgerr.CodeDependencyUnavailable,
			"postgres: failed to create connection pool")
	}

	if err := pingWithRetry(ctx, pool, &cfg, logger); err != nil {
		pool.Close()
		return nil, err
	}

	c := NewFromPool(pool, &cfg)
	c.databaseName = cfg.databaseName()
	logger.InfoContext(ctx, "database connected", "database", c.databaseName)
	return c, nil
}

// pingWithRetry pings until success, ConnectRetries attempts, or ctx ends.
func pingWithRetry(ctx context.Context, pool Pool, cfg *Config, logger *slog.Logger) error {
	tries := uint(1)
	if cfg.ConnectRetries > 0 {
		tries = uint(cfg.ConnectRetries) // #nosec G115 -- checked positive above
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.ConnectRetryInterval
	expBackoff.MaxInterval = 8 * cfg.ConnectRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.WarnContext(ctx, "database connection failed, retrying",
				"error", err, "retry_in", d)
		}),
	)
	if err != nil {
		return cgerr.Wrapf(err, cgerr.CodeDependencyUnavailable,
			"postgres: failed to connect to database after %d attempts", tries)
	}
	return nil
}

// NewFromPool creates a Client around an existing pool without validating
// cfg. A nil cfg is allowed.
func NewFromPool(pool Pool, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{
		pool:         pool,
		config:       cfg,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.Database,
	}
}

// Query executes a query that returns rows. The caller must close the rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, span := c.startSpan(ctx, "Query", sql)

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		finishSpan(span, err)
		return nil, WrapError(err, "postgres: query failed")
	}
	finishSpan(span, nil)
	return rows, nil
}

// QueryRow executes a query that returns at most one row. Errors are
// deferred to Scan and are not recorded on the span; pass them through
// [WrapError].
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, span := c.startSpan(ctx, "QueryRow", sql)
	defer span.End()

	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, span := c.startSpan(ctx, "Exec", sql)

	tag, err := c.pool.Exec(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return tag, WrapError(err, "postgres: exec failed")
	}
	return tag, nil
}

// Begin starts a transaction. Defer tx.Rollback right after a successful
// Begin; it is a no-op once committed.
func (c *Client) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := c.startSpan(ctx, "Begin", "BEGIN")

	tx, err := c.pool.Begin(ctx)
	finishSpan(span, err)
	if err != nil {
		return nil, WrapError(err, "postgres: begin transaction failed")
	}
	return tx, nil
}

// Now returns the database server's clock. It backs the deep health check.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	const q = "SELECT now()"
	ctx, span := c.startSpan(ctx, "QueryRow", q)

	var now time.Time
	err := c.pool.QueryRow(ctx, q).Scan(&now)
	finishSpan(span, err)
	if err != nil {
		return time.Time{}, WrapError(err, "postgres: now query failed")
	}
	return now, nil
}

// Health pings the database, applying [DefaultHealthTimeout] when ctx has
// no deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "SELECT 1")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := c.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return cgerr.Wrap(err, cgerr.CodeDependencyUnavailable,
			"postgres: health check failed")
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Pool returns the underlying pool. Do not close it directly.
func (c *Client) Pool() Pool {
	return c.pool
}

func (c *Client) startSpan(ctx context.Context, operationName, sql string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "postgres."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", c.databaseName),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// WrapError classifies a pgx error. Errors that are already [*cgerr.Error]
// are returned unchanged.
func WrapError(err error, message string) *cgerr.Error {
	if err == nil {
		return nil
	}
	if e, ok := cgerr.AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return cgerr.Wrap(err, cgerr.CodeTimeoutDatabase, message)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return cgerr.Wrap(err, cgerr.CodeNotFound, message)
	}
	if IsUniqueViolation(err) {
		return cgerr.Wrap(err, cgerr.CodeAlreadyExists, message)
	}
	return cgerr.Wrap(err, cgerr.CodePersistence, message)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
