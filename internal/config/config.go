package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"realtime-gateway/internal/util"
)

// Config holds the full runtime configuration. Every field has a code
// default and can be overridden through environment variables; a local
// .env file is honored when present.
type Config struct {
	Environment string

	Server      ServerConfig
	Logging     LoggingConfig
	Gateway     GatewayConfig
	RateLimit   RateLimitConfig
	Recovery    RecoveryConfig
	Fingerprint FingerprintConfig
	EventLog    EventLogConfig
	Identity    IdentityConfig

	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Scylla        ScyllaConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type GatewayConfig struct {
	// MaxMessageBytes is the serialized size ceiling applied before any
	// parsing happens.
	MaxMessageBytes int
}

// RateLimitProfile configures one token bucket category.
type RateLimitProfile struct {
	MaxTokens     float64
	RefillRate    float64 // tokens per second
	BlockDuration time.Duration
}

type RateLimitConfig struct {
	Profiles map[string]RateLimitProfile
	Default  RateLimitProfile
	// BucketTTL is how long an idle, unblocked bucket survives before the
	// sweep removes it.
	BucketTTL     time.Duration
	SweepInterval time.Duration
}

type RecoveryConfig struct {
	MaxRetries              int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	BackoffMultiplier       float64
	SettleDelay             time.Duration
	StateCheckpointInterval time.Duration
	CheckpointTTL           time.Duration
	UseRedisCheckpoints     bool
}

type FingerprintConfig struct {
	// SuspiciousRate is the connection attempts/second threshold above
	// which a pattern is flagged.
	SuspiciousRate float64
	PatternTTL     time.Duration
}

type EventLogConfig struct {
	Capacity         int
	ArchiveBatchSize int
	ArchiveInterval  time.Duration
}

type IdentityConfig struct {
	JWTSecret string
	Issuer    string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	Enabled  bool
}

type KafkaConfig struct {
	Brokers         []string
	EscalationTopic string
	Enabled         bool
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Enabled  bool
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
	Enabled    bool
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Enabled  bool
}

// LoadConfig reads configuration from the environment with defaults.
func LoadConfig() *Config {
	// Best effort; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:        util.GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:         util.GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:        util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    util.GetEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
			Email:          util.GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: util.GetEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Gateway: GatewayConfig{
			MaxMessageBytes: util.GetEnvInt("GATEWAY_MAX_MESSAGE_BYTES", 10*1024),
		},
		RateLimit: RateLimitConfig{
			Profiles: map[string]RateLimitProfile{
				"transcription": {
					MaxTokens:     util.GetEnvFloat("RATE_LIMIT_TRANSCRIPTION_MAX", 100),
					RefillRate:    util.GetEnvFloat("RATE_LIMIT_TRANSCRIPTION_REFILL", 100.0/60.0),
					BlockDuration: util.GetEnvDuration("RATE_LIMIT_TRANSCRIPTION_BLOCK", 30*time.Second),
				},
				"control": {
					MaxTokens:     util.GetEnvFloat("RATE_LIMIT_CONTROL_MAX", 30),
					RefillRate:    util.GetEnvFloat("RATE_LIMIT_CONTROL_REFILL", 30.0/60.0),
					BlockDuration: util.GetEnvDuration("RATE_LIMIT_CONTROL_BLOCK", 60*time.Second),
				},
				"rendering": {
					MaxTokens:     util.GetEnvFloat("RATE_LIMIT_RENDERING_MAX", 50),
					RefillRate:    util.GetEnvFloat("RATE_LIMIT_RENDERING_REFILL", 50.0/60.0),
					BlockDuration: util.GetEnvDuration("RATE_LIMIT_RENDERING_BLOCK", 30*time.Second),
				},
				"session": {
					MaxTokens:     util.GetEnvFloat("RATE_LIMIT_SESSION_MAX", 10),
					RefillRate:    util.GetEnvFloat("RATE_LIMIT_SESSION_REFILL", 10.0/60.0),
					BlockDuration: util.GetEnvDuration("RATE_LIMIT_SESSION_BLOCK", 120*time.Second),
				},
			},
			Default: RateLimitProfile{
				MaxTokens:     util.GetEnvFloat("RATE_LIMIT_DEFAULT_MAX", 60),
				RefillRate:    util.GetEnvFloat("RATE_LIMIT_DEFAULT_REFILL", 1),
				BlockDuration: util.GetEnvDuration("RATE_LIMIT_DEFAULT_BLOCK", 60*time.Second),
			},
			BucketTTL:     util.GetEnvDuration("RATE_LIMIT_BUCKET_TTL", time.Hour),
			SweepInterval: util.GetEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
		},
		Recovery: RecoveryConfig{
			MaxRetries:              util.GetEnvInt("RECOVERY_MAX_RETRIES", 3),
			BaseDelay:               util.GetEnvDuration("RECOVERY_BASE_DELAY", time.Second),
			MaxDelay:                util.GetEnvDuration("RECOVERY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier:       util.GetEnvFloat("RECOVERY_BACKOFF_MULTIPLIER", 2),
			SettleDelay:             util.GetEnvDuration("RECOVERY_SETTLE_DELAY", time.Second),
			StateCheckpointInterval: util.GetEnvDuration("RECOVERY_CHECKPOINT_INTERVAL", 30*time.Second),
			CheckpointTTL:           util.GetEnvDuration("RECOVERY_CHECKPOINT_TTL", time.Hour),
			UseRedisCheckpoints:     util.GetEnvBool("RECOVERY_USE_REDIS_CHECKPOINTS", false),
		},
		Fingerprint: FingerprintConfig{
			SuspiciousRate: util.GetEnvFloat("FINGERPRINT_SUSPICIOUS_RATE", 5),
			PatternTTL:     util.GetEnvDuration("FINGERPRINT_PATTERN_TTL", time.Hour),
		},
		EventLog: EventLogConfig{
			Capacity:         util.GetEnvInt("EVENT_LOG_CAPACITY", 1000),
			ArchiveBatchSize: util.GetEnvInt("EVENT_LOG_ARCHIVE_BATCH", 100),
			ArchiveInterval:  util.GetEnvDuration("EVENT_LOG_ARCHIVE_INTERVAL", 10*time.Second),
		},
		Identity: IdentityConfig{
			JWTSecret: util.GetEnv("IDENTITY_JWT_SECRET", ""),
			Issuer:    util.GetEnv("IDENTITY_ISSUER", "tutoring-platform"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
			Enabled:  util.GetEnvBool("REDIS_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers:         util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EscalationTopic: util.GetEnv("KAFKA_ESCALATION_TOPIC", "session-escalations"),
			Enabled:         util.GetEnvBool("KAFKA_ENABLED", false),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "security"),
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			EventIndex: util.GetEnv("ELASTICSEARCH_EVENT_INDEX", "security-events"),
			Enabled:    util.GetEnvBool("ELASTICSEARCH_ENABLED", false),
		},
		Scylla: ScyllaConfig{
			Hosts:    util.GetEnvSlice("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "gateway"),
			Enabled:  util.GetEnvBool("SCYLLA_ENABLED", false),
		},
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the plain HTTP listen address.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ProfileFor returns the rate limit profile for a category, falling back
// to the default profile for unmatched categories.
func (c *RateLimitConfig) ProfileFor(category string) RateLimitProfile {
	if p, ok := c.Profiles[category]; ok {
		return p
	}
	return c.Default
}
