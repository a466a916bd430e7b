// Package redis wraps go-redis with OpenTelemetry tracing and structured
// errors. The service uses Redis only as an optional shared cache, so the
// client exposes the handful of string commands that cache needs.
//
//	client, err := redis.NewClient(ctx, *redis.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

const tracerName = "github.com/choregarden/choregarden-core/pkg/clients/redis"

// Cmdable is the subset of go-redis commands wrapped by [Client].
// [*redis.Client] satisfies it.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client is a traced Redis client. It is safe for concurrent use.
type Client struct {
	cmdable Cmdable
	config  *Config
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, connects and pings the server.
//
// Error codes returned:
//   - [cgerr.CodeValidation]: invalid configuration
//   - [cgerr.CodeDependencyUnavailable]: cannot reach the server
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, cgerr.Wrap(err, cgerr.CodeDependencyUnavailable,
			"redis: failed to connect to server")
	}

	c := NewFromClient(rdb, &cfg)
	c.dbIndex = opts.DB
	return c, nil
}

// NewFromClient wraps an existing [Cmdable] without validating cfg. A nil
// cfg is allowed.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{
		cmdable: cmdable,
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: cfg.DB,
	}
}

// Set stores value under key. A zero expiration means no expiry.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.traced(ctx, "Set", "SET "+key, func(ctx context.Context) error {
		return c.cmdable.Set(ctx, key, value, expiration).Err()
	})
}

// Get returns the value stored under key. A missing key is reported as
// [cgerr.CodeNotFound] and is not recorded as a span error.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missing bool
	err := c.traced(ctx, "Get", "GET "+key, func(ctx context.Context) error {
		var err error
		val, err = c.cmdable.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		return err
	})
	if missing {
		return "", cgerr.Wrapf(redis.Nil, cgerr.CodeNotFound, "redis: key %q not found", key)
	}
	return val, err
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.traced(ctx, "Del", fmt.Sprintf("DEL %v", keys), func(ctx context.Context) error {
		var err error
		n, err = c.cmdable.Del(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Health pings the server, applying [DefaultHealthTimeout] when ctx has
// no deadline. Every failure, including a deadline, is reported as
// [cgerr.CodeDependencyUnavailable].
func (c *Client) Health(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := c.traced(ctx, "Health", "PING", func(ctx context.Context) error {
		return c.cmdable.Ping(ctx).Err()
	})
	if err != nil {
		return cgerr.Wrap(err, cgerr.CodeDependencyUnavailable, "redis: health check failed")
	}
	return nil
}

// Close releases connection resources.
func (c *Client) Close() error {
	return c.cmdable.Close()
}

// traced runs fn inside a client span named "redis."+op and classifies its
// error.
func (c *Client) traced(ctx context.Context, op, statement string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "redis."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", c.dbIndex),
		attribute.String("db.statement", truncateStatement(statement)),
	)

	err := fn(ctx)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	msg := "redis: " + strings.ToLower(op) + " failed"
	if errors.Is(err, context.DeadlineExceeded) {
		return cgerr.Wrap(err, cgerr.CodeTimeout, msg)
	}
	return cgerr.Wrap(err, cgerr.CodeDependencyUnavailable, msg)
}
