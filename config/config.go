package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the full router configuration. Interval fields are
// milliseconds, matching the configuration file contract; use the
// accessor methods for time.Duration values.
type Config struct {
	Port              int    `mapstructure:"port"`
	UseAuthentication bool   `mapstructure:"useAuthentication"`
	SecretKey         string `mapstructure:"secretKey"`
	PingInterval      int    `mapstructure:"pingInterval"`
	LogLevel          string `mapstructure:"logLevel"`
	LogPretty         bool   `mapstructure:"logPretty"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Presence PresenceConfig `mapstructure:"presence"`
	Group    GroupConfig    `mapstructure:"group"`
	Message  MessageConfig  `mapstructure:"message"`
	DynamoDB DynamoConfig   `mapstructure:"dynamodb"`
}

// RedisConfig locates the shared store and tunes the group janitor.
type RedisConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Password          string `mapstructure:"password"`
	CleanInterval     int    `mapstructure:"cleanInterval"`
	CleanGroupsAmount int    `mapstructure:"cleanGroupsAmount"`
	Janitor           bool   `mapstructure:"janitor"`
}

// PresenceConfig controls the presence subsystem. TTL is seconds, the
// unit the store expiry works in.
type PresenceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	TTL     int  `mapstructure:"ttl"`
}

// GroupConfig tunes the current-speaker lock.
type GroupConfig struct {
	BusyTimeout     int `mapstructure:"busyTimeout"`
	InspectInterval int `mapstructure:"inspectInterval"`
}

// MessageConfig bounds audio turns.
type MessageConfig struct {
	MaximumDuration     int  `mapstructure:"maximumDuration"`
	MaximumIdleDuration int  `mapstructure:"maximumIdleDuration"`
	Echo                bool `mapstructure:"echo"`
}

// DynamoConfig enables the optional status mirror.
type DynamoConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Addr returns host:port for the store client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// CleanEvery returns the janitor period.
func (r RedisConfig) CleanEvery() time.Duration {
	return time.Duration(r.CleanInterval) * time.Millisecond
}

// TTLDuration returns the presence TTL.
func (p PresenceConfig) TTLDuration() time.Duration {
	return time.Duration(p.TTL) * time.Second
}

// BusyTimeoutDuration returns the current-speaker lock TTL.
func (g GroupConfig) BusyTimeoutDuration() time.Duration {
	return time.Duration(g.BusyTimeout) * time.Millisecond
}

// InspectEvery returns the speaker-lock inspection period.
func (g GroupConfig) InspectEvery() time.Duration {
	return time.Duration(g.InspectInterval) * time.Millisecond
}

// MaxTurn returns the longest permitted audio turn.
func (m MessageConfig) MaxTurn() time.Duration {
	return time.Duration(m.MaximumDuration) * time.Millisecond
}

// MaxIdle returns the longest silent gap tolerated within a turn.
func (m MessageConfig) MaxIdle() time.Duration {
	return time.Duration(m.MaximumIdleDuration) * time.Millisecond
}

// PingEvery returns the router-to-client ping period.
func (c Config) PingEvery() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("useAuthentication", true)
	v.SetDefault("secretKey", "")
	v.SetDefault("pingInterval", 120000)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logPretty", false)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cleanInterval", 60000)
	v.SetDefault("redis.cleanGroupsAmount", 10000)
	v.SetDefault("redis.janitor", true)

	v.SetDefault("presence.enabled", true)
	v.SetDefault("presence.ttl", 120)

	v.SetDefault("group.busyTimeout", 95000)
	v.SetDefault("group.inspectInterval", 60000)

	v.SetDefault("message.maximumDuration", 90000)
	v.SetDefault("message.maximumIdleDuration", 3000)
	v.SetDefault("message.echo", false)

	v.SetDefault("dynamodb.enabled", false)
	v.SetDefault("dynamodb.table", "user_status")
	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.endpoint", "")
}

// Load reads router.yaml (or the named file) from the working directory,
// overlays VOICEPING_-prefixed environment variables, and validates the
// result. A missing config file is not an error; defaults and the
// environment carry the configuration.
func Load(logger zerolog.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VOICEPING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", fileName, err)
		}
		logger.Warn().Str("file", fileName).Msg("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the router cannot run with.
func (c *Config) Validate() error {
	if c.UseAuthentication && c.SecretKey == "" {
		return errors.New("config: secretKey is required when useAuthentication is true")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("config: presence.ttl must be positive, got %d", c.Presence.TTL)
	}
	if c.Redis.CleanGroupsAmount <= 0 {
		return fmt.Errorf("config: redis.cleanGroupsAmount must be positive, got %d", c.Redis.CleanGroupsAmount)
	}
	return nil
}
