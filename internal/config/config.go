package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SERIALHUB"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Kafka     KafkaConfig     `yaml:"kafka" envconfig:"KAFKA"`
	Crypto    CryptoConfig    `yaml:"crypto" envconfig:"CRYPTO"`
	Usage     UsageConfig     `yaml:"usage" envconfig:"USAGE"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// ValidateLimit throttles the public validation endpoint per client IP.
	ValidateLimit RateLimitConfig `yaml:"validate_limit" envconfig:"VALIDATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver        string `yaml:"driver" envconfig:"DRIVER"`
	DatabaseURL   string `yaml:"database_url" envconfig:"DATABASE_URL"`
	MaxConns      int32  `yaml:"max_conns" envconfig:"MAX_CONNS"`
	RunMigrations bool   `yaml:"run_migrations" envconfig:"RUN_MIGRATIONS"`
}

// RedisConfig enables the distributed serial lock and active-count cache.
// An empty URL keeps both in process.
type RedisConfig struct {
	URL       string        `yaml:"url" envconfig:"URL"`
	KeyPrefix string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	LockTTL   time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
	CacheTTL  time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
}

// KafkaConfig enables usage event publishing. No brokers means events are
// only logged.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
}

// CryptoConfig holds the secret material for serial protection. Every
// value may instead be read from the file named by its *File field.
type CryptoConfig struct {
	Secret             string `yaml:"secret" envconfig:"SECRET"`
	SecretFile         string `yaml:"secret_file" envconfig:"SECRET_FILE"`
	Pepper             string `yaml:"pepper" envconfig:"PEPPER"`
	PepperFile         string `yaml:"pepper_file" envconfig:"PEPPER_FILE"`
	SigningKey         string `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	SigningKeyFile     string `yaml:"signing_key_file" envconfig:"SIGNING_KEY_FILE"`
	AllowEphemeralKeys bool   `yaml:"allow_ephemeral_keys" envconfig:"ALLOW_EPHEMERAL_KEYS"`
	EncryptSerials     bool   `yaml:"encrypt_serials" envconfig:"ENCRYPT_SERIALS"`
	ScryptN            int    `yaml:"scrypt_n" envconfig:"SCRYPT_N"`
	ScryptR            int    `yaml:"scrypt_r" envconfig:"SCRYPT_R"`
	ScryptP            int    `yaml:"scrypt_p" envconfig:"SCRYPT_P"`
	KDFConcurrency     int64  `yaml:"kdf_concurrency" envconfig:"KDF_CONCURRENCY"`
}

// UsageConfig tunes the usage tracker
type UsageConfig struct {
	LockTimeout     time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
	SeatTTL         time.Duration `yaml:"seat_ttl" envconfig:"SEAT_TTL"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
	BulkConcurrency int           `yaml:"bulk_concurrency" envconfig:"BULK_CONCURRENCY"`
	BulkMaxItems    int           `yaml:"bulk_max_items" envconfig:"BULK_MAX_ITEMS"`
}

// AuthConfig configures admin bearer tokens and offline activation tokens
type AuthConfig struct {
	AdminTokenSecret     string        `yaml:"admin_token_secret" envconfig:"ADMIN_TOKEN_SECRET"`
	AdminTokenSecretFile string        `yaml:"admin_token_secret_file" envconfig:"ADMIN_TOKEN_SECRET_FILE"`
	Issuer               string        `yaml:"issuer" envconfig:"ISSUER"`
	OfflineTokenTTL      time.Duration `yaml:"offline_token_ttl" envconfig:"OFFLINE_TOKEN_TTL"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the keys present in a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// getConfigFilePath returns the explicit config file or the first
// existing file in the usual locations
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	for _, location := range []string{"serialhub.yaml", "configs/serialhub.yaml", "/etc/serialhub/serialhub.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

func (c *Config) resolveSecrets() error {
	pairs := []struct {
		name  string
		value *string
		file  string
	}{
		{"crypto secret", &c.Crypto.Secret, c.Crypto.SecretFile},
		{"crypto pepper", &c.Crypto.Pepper, c.Crypto.PepperFile},
		{"signing key", &c.Crypto.SigningKey, c.Crypto.SigningKeyFile},
		{"admin token secret", &c.Auth.AdminTokenSecret, c.Auth.AdminTokenSecretFile},
	}

	for _, p := range pairs {
		if p.file == "" {
			continue
		}
		data, err := os.ReadFile(p.file)
		if err != nil {
			return fmt.Errorf("read %s file: %w", p.name, err)
		}
		*p.value = strings.TrimSpace(string(data))
	}
	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}

	if len(c.Crypto.Secret) < MinSecretLength {
		return fmt.Errorf("crypto secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Crypto.Pepper) < MinSecretLength {
		return fmt.Errorf("crypto pepper must be at least %d bytes", MinSecretLength)
	}
	if c.Crypto.SigningKey == "" && !c.Crypto.AllowEphemeralKeys {
		return fmt.Errorf("crypto signing key is required unless ephemeral keys are allowed")
	}
	if len(c.Auth.AdminTokenSecret) < MinSecretLength {
		return fmt.Errorf("admin token secret must be at least %d bytes", MinSecretLength)
	}

	if c.Usage.LockTimeout <= 0 {
		return fmt.Errorf("usage lock timeout must be positive")
	}
	if c.Usage.SweepInterval <= 0 {
		return fmt.Errorf("usage sweep interval must be positive")
	}
	if c.Usage.SeatTTL < 0 {
		return fmt.Errorf("usage seat ttl must not be negative")
	}

	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("unsupported log format: %q", c.Logging.Format)
	}

	return nil
}

// Default returns default configuration. Secrets have no defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  40 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     false,
			RateLimit:      RateLimitConfig{Enabled: true, RPS: 200, Burst: 100},
			ValidateLimit:  RateLimitConfig{Enabled: true, RPS: 5, Burst: 20},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Driver:        "memory",
			MaxConns:      20,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "serialhub",
			LockTTL:   45 * time.Second,
			CacheTTL:  10 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "serialhub.usage",
		},
		Crypto: CryptoConfig{
			EncryptSerials: true,
			ScryptN:        DefaultScryptN,
			ScryptR:        DefaultScryptR,
			ScryptP:        DefaultScryptP,
			KDFConcurrency: 4,
		},
		Usage: UsageConfig{
			LockTimeout:     DefaultLockTimeout,
			SweepInterval:   DefaultSweepInterval,
			RetryBackoff:    250 * time.Millisecond,
			BulkConcurrency: 8,
			BulkMaxItems:    500,
		},
		Auth: AuthConfig{
			Issuer:          "serialhub",
			OfflineTokenTTL: 30 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
