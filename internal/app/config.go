package app

import (
	"log/slog"
	"time"

	"github.com/choregarden/choregarden-core/pkg/auth"
	"github.com/choregarden/choregarden-core/pkg/clients/postgres"
	"github.com/choregarden/choregarden-core/pkg/clients/redis"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// Config is the service configuration. It is loaded by pkg/config with the
// CHOREGARDEN env prefix, so Cognito.UserPoolID reads
// CHOREGARDEN_COGNITO_USER_POOL_ID and Postgres.Password reads
// CHOREGARDEN_POSTGRES_PASSWORD (or POSTGRES_PASSWORD in the secrets blob).
type Config struct {
	Server   ServerConfig      `yaml:"server" json:"server"`
	Cognito  auth.IssuerConfig `yaml:"cognito" json:"cognito" env:"COGNITO"`
	Auth     AuthConfig        `yaml:"auth" json:"auth" env:"AUTH"`
	Postgres postgres.Config   `yaml:"postgres" json:"postgres"`
	Redis    RedisConfig       `yaml:"redis" json:"redis"`
	CORS     CORSConfig        `yaml:"cors" json:"cors" env:"CORS"`
	LogLevel string            `yaml:"log_level" json:"log_level" env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"BACKEND_HOST" envDefault:"0.0.0.0"`
	Port            int           `yaml:"port" json:"port" env:"BACKEND_PORT" envDefault:"5000"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// AuthConfig tunes request authentication.
type AuthConfig struct {
	// GatewayTrust accepts gateway-validated tokens without re-verifying
	// them. Disable it whenever the service is reachable directly.
	GatewayTrust    bool          `yaml:"gateway_trust" json:"gateway_trust" env:"GATEWAY_TRUST" envDefault:"true"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" env:"FETCH_TIMEOUT" envDefault:"5s"`
	RefreshCooldown time.Duration `yaml:"refresh_cooldown" json:"refresh_cooldown" env:"REFRESH_COOLDOWN" envDefault:"1m"`
	KeySetStoreTTL  time.Duration `yaml:"key_set_store_ttl" json:"key_set_store_ttl" env:"KEY_SET_STORE_TTL" envDefault:"6h"`
	Leeway          time.Duration `yaml:"leeway" json:"leeway" env:"LEEWAY"`
}

// RedisConfig enables the shared key set store.
type RedisConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled" env:"REDIS_ENABLED"`
	redis.Config `yaml:",inline"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// Validate checks every section. Postgres and Redis defaults are applied
// in place.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return cgerr.Newf(cgerr.CodeValidation, "app: server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return cgerr.New(cgerr.CodeValidation, "app: shutdown timeout must not be negative")
	}
	if err := c.Cognito.Validate(); err != nil {
		return err
	}
	if c.Auth.FetchTimeout < 0 || c.Auth.RefreshCooldown < 0 || c.Auth.KeySetStoreTTL < 0 || c.Auth.Leeway < 0 {
		return cgerr.New(cgerr.CodeValidation, "app: auth durations must not be negative")
	}
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	if c.Redis.Enabled {
		if err := c.Redis.Config.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel. Empty means info.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, cgerr.Wrapf(err, cgerr.CodeValidation, "app: invalid log level %q", c.LogLevel)
	}
	return level, nil
}
