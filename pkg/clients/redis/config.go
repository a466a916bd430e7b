package redis

import (
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// maxStatementTruncateLen bounds statements recorded in trace spans.
const maxStatementTruncateLen = 100

const (
	DefaultHost         = "redis"
	DefaultPort         = 6379
	DefaultDB           = 0
	DefaultPoolSize     = 10
	DefaultMinIdleConns = 1
	DefaultMaxRetries   = 3
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultHealthTimeout is applied to Health when the caller's context
	// has no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// Secret is a string that redacts itself when formatted or marshaled.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Config holds the Redis connection configuration. URI, when set, takes
// precedence over Host, Port, DB and Password. Both redis:// and rediss://
// are accepted.
type Config struct {
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty" env:"REDIS_URI"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty" env:"REDIS_HOST"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" env:"REDIS_PORT"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
	Password Secret `json:"-" yaml:"-" env:"REDIS_PASSWORD"`

	PoolSize     int `json:"pool_size,omitempty" yaml:"pool_size,omitempty" env:"REDIS_POOL_SIZE"`
	MinIdleConns int `json:"min_idle_conns,omitempty" yaml:"min_idle_conns,omitempty" env:"REDIS_MIN_IDLE_CONNS"`
	// MaxRetries of -1 disables command retries.
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty" env:"REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty" env:"REDIS_WRITE_TIMEOUT"`
	TLSEnabled   bool          `json:"tls_enabled,omitempty" yaml:"tls_enabled,omitempty" env:"REDIS_TLS_ENABLED"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate applies defaults to zero-valued fields and checks the result.
// Failures carry [cgerr.CodeValidation].
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return cgerr.Wrap(err, cgerr.CodeValidation, "redis: config URI is invalid")
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return cgerr.Newf(cgerr.CodeValidation,
				"redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	switch {
	case c.Port < 1 || c.Port > 65535:
		return cgerr.Newf(cgerr.CodeValidation, "redis: config port must be between 1 and 65535, got %d", c.Port)
	case c.PoolSize < 1:
		return cgerr.Newf(cgerr.CodeValidation, "redis: config pool_size must be >= 1, got %d", c.PoolSize)
	case c.MinIdleConns < 0 || c.PoolSize < c.MinIdleConns:
		return cgerr.Newf(cgerr.CodeValidation,
			"redis: config min_idle_conns (%d) must be between 0 and pool_size (%d)", c.MinIdleConns, c.PoolSize)
	case c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return cgerr.New(cgerr.CodeValidation, "redis: config timeouts must not be negative")
	}
	return nil
}

// options converts a validated config to go-redis options. Pool and timeout
// settings apply to both the URI and the host/port form.
func (c Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Password: c.Password.Value(),
		DB:       c.DB,
	}
	if c.URI != "" {
		parsed, err := redis.ParseURL(c.URI)
		if err != nil {
			return nil, cgerr.Wrap(err, cgerr.CodeValidation, "redis: failed to parse connection URI")
		}
		opts = parsed
	} else if c.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// truncateStatement is rune-aware so multi-byte keys are not split.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
