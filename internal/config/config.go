package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "QUIRE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DatabaseDriverSQLite
	defaultDatabasePath   = "quire.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultAuthIssuer     = "quire-auth"
	defaultCookieName     = "app_session"
	defaultAuthLeeway     = 30 * time.Second
	defaultConcurrency    = 4
	defaultMaxAttempts    = 3
	defaultRedisPrefix    = "quire"
	defaultDedupeTTL      = 24 * time.Hour
	defaultDedupeWindow   = 4096
	defaultAMQPQueue      = "quire.activities"
	defaultAMQPPrefetch   = 16
	defaultAMQPConsumer   = "quire-worker"
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL server.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and the activity worker.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthLeeway        time.Duration

	EngineConcurrency int
	EngineMaxAttempts int

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DedupeTTL    time.Duration
	DedupeWindow int

	AMQPURL         string
	AMQPQueue       string
	AMQPPrefetch    int
	AMQPConsumerTag string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.leeway", defaultAuthLeeway)
	configViper.SetDefault("engine.concurrency", defaultConcurrency)
	configViper.SetDefault("engine.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("dedupe.ttl", defaultDedupeTTL)
	configViper.SetDefault("dedupe.window", defaultDedupeWindow)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("amqp.prefetch", defaultAMQPPrefetch)
	configViper.SetDefault("amqp.consumer_tag", defaultAMQPConsumer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthLeeway:        configViper.GetDuration("auth.leeway"),
		EngineConcurrency: configViper.GetInt("engine.concurrency"),
		EngineMaxAttempts: configViper.GetInt("engine.max_attempts"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		RedisPrefix:       configViper.GetString("redis.prefix"),
		DedupeTTL:         configViper.GetDuration("dedupe.ttl"),
		DedupeWindow:      configViper.GetInt("dedupe.window"),
		AMQPURL:           configViper.GetString("amqp.url"),
		AMQPQueue:         configViper.GetString("amqp.queue"),
		AMQPPrefetch:      configViper.GetInt("amqp.prefetch"),
		AMQPConsumerTag:   configViper.GetString("amqp.consumer_tag"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// WorkerEnabled reports whether an AMQP broker has been configured.
func (c AppConfig) WorkerEnabled() bool {
	return strings.TrimSpace(c.AMQPURL) != ""
}

// RedisEnabled reports whether a redis server has been configured for dedupe.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthLeeway < 0 {
		return fmt.Errorf("auth.leeway must not be negative")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.EngineConcurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be positive")
	}
	if c.EngineMaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive")
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}
	if c.DedupeWindow <= 0 {
		return fmt.Errorf("dedupe.window must be positive")
	}
	if c.WorkerEnabled() && strings.TrimSpace(c.AMQPQueue) == "" {
		return fmt.Errorf("amqp.queue is required when amqp.url is set")
	}
	return nil
}
