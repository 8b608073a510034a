package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	once         sync.Once
)

// Config holds every runtime setting for the security service.
type Config struct {
	Environment string

	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	KMS         KMSConfig
	Hashing     HashingConfig
	OTP         OTPConfig
	BackupCodes BackupCodeConfig
	WebAuthn    WebAuthnConfig
	Bucketing   BucketingConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers           []string
	ProfileTopic      string
	NotificationTopic string
	ConsumerGroup     string
}

type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Enabled  bool
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperSecret       string
	PepperRotationDays int
}

type OTPConfig struct {
	TTL            time.Duration
	ResendCooldown time.Duration
	MaxAttempts    int
	CodeLength     int
}

type BackupCodeConfig struct {
	Count      int
	CodeLength int
}

type WebAuthnConfig struct {
	RPDisplayName  string
	RPID           string
	RPOrigins      []string
	MaxCredentials int
	SessionTTL     time.Duration
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, falling back to a
// local .env file in development.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "account_security"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:           getEnvList("KAFKA_BROKERS", "localhost:9092"),
				ProfileTopic:      getEnv("KAFKA_PROFILE_TOPIC", "security.profile.updated"),
				NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "security.otp.dispatch"),
				ConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "security-service"),
			},
			ClickHouse: ClickHouseConfig{
				Addr:     getEnvList("CLICKHOUSE_ADDR", "localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "security_audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", true),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				Region:  getEnv("KMS_REGION", "us-east-1"),
				KeyID:   getEnv("KMS_KEY_ID", ""),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
				PepperSecret:       getEnv("HASHING_PEPPER_SECRET", "dev-only-pepper-secret"),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 90),
			},
			OTP: OTPConfig{
				TTL:            getEnvDuration("OTP_TTL", 5*time.Minute),
				ResendCooldown: getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
				MaxAttempts:    getEnvInt("OTP_MAX_ATTEMPTS", 5),
				CodeLength:     getEnvInt("OTP_CODE_LENGTH", 6),
			},
			BackupCodes: BackupCodeConfig{
				Count:      getEnvInt("BACKUP_CODE_COUNT", 10),
				CodeLength: getEnvInt("BACKUP_CODE_LENGTH", 8),
			},
			WebAuthn: WebAuthnConfig{
				RPDisplayName:  getEnv("WEBAUTHN_RP_DISPLAY_NAME", "Account Security"),
				RPID:           getEnv("WEBAUTHN_RP_ID", "localhost"),
				RPOrigins:      getEnvList("WEBAUTHN_RP_ORIGINS", "http://localhost:8080"),
				MaxCredentials: getEnvInt("WEBAUTHN_MAX_CREDENTIALS", 10),
				SessionTTL:     getEnvDuration("WEBAUTHN_SESSION_TTL", 5*time.Minute),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 256),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
