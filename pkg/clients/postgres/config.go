package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// maxSQLTruncateLen bounds SQL statements recorded in trace spans so that
// inline values do not leak into telemetry.
const maxSQLTruncateLen = 100

// Defaults match the docker-compose deployment where the database container
// is reachable as "database".
const (
	DefaultHost     = "database"
	DefaultPort     = 5432
	DefaultDatabase = "choregarden"
	DefaultUser     = "choregarden"

	DefaultMaxConns          int32 = 25
	DefaultMinConns          int32 = 2
	DefaultMaxConnLifetime         = time.Hour
	DefaultMaxConnIdleTime         = 30 * time.Minute
	DefaultHealthCheckPeriod       = time.Minute
	DefaultConnectTimeout          = 10 * time.Second

	// DefaultConnectRetries is the number of startup ping attempts before
	// NewClient gives up.
	DefaultConnectRetries = 5

	// DefaultConnectRetryInterval is the initial delay between startup ping
	// attempts. Later delays grow exponentially.
	DefaultConnectRetryInterval = 2 * time.Second

	// DefaultHealthTimeout is applied to Health when the caller's context
	// has no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// SSLMode is the PostgreSQL sslmode connection parameter.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// String returns the string representation of the SSL mode.
func (m SSLMode) String() string {
	return string(m)
}

// Valid reports whether the SSL mode is one of the recognized values.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer,
		SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// Secret is a string that redacts itself when formatted or marshaled. Use
// [Secret.Value] to read the underlying value.
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

// Config holds the PostgreSQL connection configuration. When URI is set it
// takes precedence over Host, Port, Database, User and Password.
//
// The env tags use the key names of the deployment's database secrets blob
// (DATABASE_URL, POSTGRES_HOST, ...), so the same JSON object can be fed
// through the config loader's secrets variable.
type Config struct {
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty" env:"DATABASE_URL"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty" env:"POSTGRES_HOST"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" env:"POSTGRES_PORT"`
	Database string `json:"database" yaml:"database" env:"POSTGRES_DB"`
	User     string `json:"user" yaml:"user" env:"POSTGRES_USER"`
	Password Secret `json:"-" yaml:"-" env:"POSTGRES_PASSWORD"`

	SSLMode SSLMode `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" env:"POSTGRES_SSLMODE"`
	// SSLRootCert is a PEM CA bundle for verify-ca and verify-full.
	SSLRootCert string `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert,omitempty" env:"POSTGRES_SSL_ROOT_CERT"`

	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns,omitempty" env:"POSTGRES_MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns,omitempty" env:"POSTGRES_MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime,omitempty" env:"POSTGRES_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time,omitempty" env:"POSTGRES_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period,omitempty" env:"POSTGRES_HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" env:"POSTGRES_CONNECT_TIMEOUT"`

	// ConnectRetries is the number of startup ping attempts. Zero means
	// DefaultConnectRetries; a negative value disables retrying.
	ConnectRetries       int           `json:"connect_retries,omitempty" yaml:"connect_retries,omitempty" env:"POSTGRES_CONNECT_RETRIES"`
	ConnectRetryInterval time.Duration `json:"connect_retry_interval,omitempty" yaml:"connect_retry_interval,omitempty" env:"POSTGRES_CONNECT_RETRY_INTERVAL"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		Database:             DefaultDatabase,
		User:                 DefaultUser,
		SSLMode:              SSLModePrefer,
		MaxConns:             DefaultMaxConns,
		MinConns:             DefaultMinConns,
		MaxConnLifetime:      DefaultMaxConnLifetime,
		MaxConnIdleTime:      DefaultMaxConnIdleTime,
		HealthCheckPeriod:    DefaultHealthCheckPeriod,
		ConnectTimeout:       DefaultConnectTimeout,
		ConnectRetries:       DefaultConnectRetries,
		ConnectRetryInterval: DefaultConnectRetryInterval,
	}
}

// Validate applies defaults to zero-valued fields and checks the result.
// Failures carry [cgerr.CodeValidation].
//
// With URI set, only the URI and pool settings are checked.
func (c *Config) Validate() error {
	c.applyPoolDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return cgerr.Wrap(err, cgerr.CodeValidation, "postgres: config URI is invalid")
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return cgerr.Newf(cgerr.CodeValidation,
				"postgres: config URI scheme %q is not postgres or postgresql", u.Scheme)
		}
		return c.validatePool()
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModePrefer
	}

	switch {
	case c.Port < 1 || c.Port > 65535:
		return cgerr.Newf(cgerr.CodeValidation,
			"postgres: config port must be between 1 and 65535, got %d", c.Port)
	case c.Database == "":
		return cgerr.New(cgerr.CodeValidation, "postgres: config database must not be empty")
	case c.User == "":
		return cgerr.New(cgerr.CodeValidation, "postgres: config user must not be empty")
	case !c.SSLMode.Valid():
		return cgerr.Newf(cgerr.CodeValidation, "postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return cgerr.Wrapf(err, cgerr.CodeValidation,
				"postgres: config ssl_root_cert %q is not accessible", c.SSLRootCert)
		}
	}
	return c.validatePool()
}

func (c *Config) validatePool() error {
	if c.MaxConns < c.MinConns {
		return cgerr.Newf(cgerr.CodeValidation,
			"postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.ConnectRetryInterval == 0 {
		c.ConnectRetryInterval = DefaultConnectRetryInterval
	}
}

// ConnectionString returns URI if set, otherwise a postgres:// URL built from
// the structured fields. The result contains the password in cleartext.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// poolConfig builds the pgxpool configuration from a validated config.
func (c *Config) poolConfig() (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(c.ConnectionString())
	if err != nil {
		return nil, cgerr.Wrap(err, cgerr.CodeValidation, "postgres: failed to parse connection string")
	}
	poolCfg.MaxConns = c.MaxConns
	poolCfg.MinConns = c.MinConns
	poolCfg.MaxConnLifetime = c.MaxConnLifetime
	poolCfg.MaxConnIdleTime = c.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = c.HealthCheckPeriod

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, cgerr.Wrap(err, cgerr.CodeInternalConfiguration, "postgres: failed to configure TLS")
	}
	if tlsCfg != nil {
		poolCfg.ConnConfig.TLSConfig = tlsCfg
	}
	return poolCfg, nil
}

// databaseName is the database the client connects to, read from the URI
// path when URI is set.
func (c *Config) databaseName() string {
	if c.URI == "" {
		return c.Database
	}
	if u, err := url.Parse(c.URI); err == nil {
		return strings.TrimPrefix(u.Path, "/")
	}
	return ""
}

// tlsConfig returns nil unless a custom CA is configured, leaving TLS to
// the sslmode parameter.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == SSLModeDisable {
		return nil, nil
	}

	caCert, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read CA certificate %q: %w", c.SSLRootCert, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("postgres: failed to parse CA certificate from %q", c.SSLRootCert)
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}

	switch c.SSLMode {
	case SSLModeVerifyFull:
		tlsCfg.ServerName = c.Host
	case SSLModeVerifyCA:
		// Chain only. Hostname verification is skipped by doing the chain
		// check ourselves.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("postgres: server did not present a certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	default:
		tlsCfg.InsecureSkipVerify = true
	}

	return tlsCfg, nil
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}
