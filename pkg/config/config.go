package config

import (
	"fmt"
	"time"

	"e2ee-keyserver/pkg/constants"
	"e2ee-keyserver/pkg/env"
)

// Config holds all configuration for the key service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	Log       LogConfig
	E2EE      E2EEConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	TrustedProxies []string
	AllowedOrigins []string
	RequestTimeout time.Duration

	// RequestsPerMinute is the per-user budget shared by all instances
	RequestsPerMinute int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
	Migrate  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
	Audience          string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// E2EEConfig holds key management tunables
type E2EEConfig struct {
	// ServerName decides which user IDs are local (@user:ServerName)
	ServerName string

	// SessionWrapKey wraps megolm seeds at rest. 32 bytes.
	SessionWrapKey []byte

	SessionMaxMessages int
	SessionMaxAge      time.Duration
	SessionTTL         time.Duration

	KeyCacheTTL     time.Duration
	SessionCacheTTL time.Duration

	ClaimRateLimit float64
	ClaimRateBurst int

	RecoveryChunkSize int
	SweepSchedule     string
	ToDeviceRetention time.Duration

	// Room key requests
	KeyRequestTTL       time.Duration
	KeyRequestRetention time.Duration
	KeyRequestSchedule  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	wrapKey, err := env.GetKey("E2EE_SESSION_WRAP_KEY", 32)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8084),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "keys-service"),
			TrustedProxies: env.GetSlice("TRUSTED_PROXIES", []string{"127.0.0.1"}),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", 30*time.Second),

			RequestsPerMinute: env.GetInt("RATELIMIT_REQUESTS_PER_MINUTE", 600),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "e2ee"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
			Migrate:  env.GetBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "e2ee"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "key-backups"),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Audience:          env.GetString("JWT_AUDIENCE", "e2ee-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/keys-service.log"),
		},
		E2EE: E2EEConfig{
			ServerName:         env.GetString("E2EE_SERVER_NAME", "localhost"),
			SessionWrapKey:     wrapKey,
			SessionMaxMessages: env.GetInt("E2EE_SESSION_MAX_MESSAGES", 100),
			SessionMaxAge:      env.GetDuration("E2EE_SESSION_MAX_AGE", 7*24*time.Hour),
			SessionTTL:         env.GetDuration("E2EE_SESSION_TTL", 7*24*time.Hour),
			KeyCacheTTL:        env.GetDuration("E2EE_KEY_CACHE_TTL", 300*time.Second),
			SessionCacheTTL:    env.GetDuration("E2EE_SESSION_CACHE_TTL", 600*time.Second),
			ClaimRateLimit:     env.GetFloat("E2EE_CLAIM_RATE_LIMIT", 5),
			ClaimRateBurst:     env.GetInt("E2EE_CLAIM_RATE_BURST", 20),
			RecoveryChunkSize:  env.GetInt("E2EE_RECOVERY_CHUNK_SIZE", 100),
			SweepSchedule:      env.GetString("E2EE_SWEEP_SCHEDULE", "@every 1h"),
			ToDeviceRetention:  env.GetDuration("E2EE_TO_DEVICE_RETENTION", 7*24*time.Hour),

			KeyRequestTTL:       env.GetDuration("E2EE_KEY_REQUEST_TTL", constants.KeyRequestPendingTTL),
			KeyRequestRetention: env.GetDuration("E2EE_KEY_REQUEST_RETENTION", constants.KeyRequestRetention),
			KeyRequestSchedule:  env.GetString("E2EE_KEY_REQUEST_SCHEDULE", "@every 30m"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.E2EE.SessionWrapKey) != 32 {
		return fmt.Errorf("E2EE_SESSION_WRAP_KEY must be set to 32 base64-encoded bytes")
	}
	if c.E2EE.ServerName == "" {
		return fmt.Errorf("E2EE_SERVER_NAME must not be empty")
	}
	if c.E2EE.SessionMaxMessages <= 0 {
		return fmt.Errorf("E2EE_SESSION_MAX_MESSAGES must be positive")
	}

	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	return nil
}

// DSN builds the pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Addr returns host:port for redis
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
