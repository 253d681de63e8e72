package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit events. When nil, audit uses main DB.
	Redis         RedisConfig
	Auth          AuthConfig
	Governance    GovernanceConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the shared store used by kill switches, rate limit
// windows and idempotency records. When disabled those stores live in
// process memory.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	Leeway      time.Duration
}

// GovernanceConfig holds the AI governance settings
type GovernanceConfig struct {
	Phase                string // read_only, proposal or execution
	Enabled              bool
	RateLimitPerMinute   int
	RateLimitPerDay      int
	QuotaDefaults        string // e.g. "chat:1000,ocr:200"
	QuotaOverrides       string // e.g. "vip/chat:5000"
	AuditRetentionDays   int
	UsageRetentionDays   int
	RetentionInterval    time.Duration
	IdempotencyTTL       time.Duration
	IdempotencyCacheSize int
	KillSwitchRetryAfter time.Duration
	InferenceTimeout     time.Duration
	PolicyRulesFile      string
	StorageBackend       string // postgres or memory
	RedactionSalt        string
}

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string // json or console
	LogRequests bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTIssuer:   getEnv("JWT_ISSUER", "hearing-crm"),
			JWTAudience: getEnv("JWT_AUDIENCE", "ai-control-plane"),
			Leeway:      getEnvAsDuration("JWT_LEEWAY", 30*time.Second),
		},
		Governance: GovernanceConfig{
			Phase:                getEnv("AI_PHASE", "read_only"),
			Enabled:              getEnvAsBool("AI_ENABLED", true),
			RateLimitPerMinute:   getEnvAsInt("AI_RATE_LIMIT_PER_MINUTE", 60),
			RateLimitPerDay:      getEnvAsInt("AI_RATE_LIMIT_PER_DAY", 5000),
			QuotaDefaults:        getEnv("AI_QUOTA_DEFAULTS", "chat:1000,ocr:200,action:500"),
			QuotaOverrides:       getEnv("AI_QUOTA_OVERRIDES", ""),
			AuditRetentionDays:   getEnvAsInt("AI_AUDIT_RETENTION_DAYS", 365),
			UsageRetentionDays:   getEnvAsInt("AI_USAGE_RETENTION_DAYS", 90),
			RetentionInterval:    getEnvAsDuration("AI_RETENTION_INTERVAL", time.Hour),
			IdempotencyTTL:       getEnvAsDuration("AI_IDEMPOTENCY_TTL", 24*time.Hour),
			IdempotencyCacheSize: getEnvAsInt("AI_IDEMPOTENCY_CACHE_SIZE", 10000),
			KillSwitchRetryAfter: getEnvAsDuration("AI_KILL_SWITCH_RETRY_AFTER", 5*time.Minute),
			InferenceTimeout:     getEnvAsDuration("AI_INFERENCE_TIMEOUT", 30*time.Second),
			PolicyRulesFile:      getEnv("AI_POLICY_RULES_FILE", ""),
			StorageBackend:       getEnv("AI_STORAGE_BACKEND", StoragePostgres),
			RedactionSalt:        getEnv("AI_REDACTION_SALT", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "json"),
			LogRequests: getEnvAsBool("LOG_REQUESTS", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Governance.StorageBackend {
	case StoragePostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory storage backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (expected postgres or memory)", c.Governance.StorageBackend)
	}

	if !validPhase(c.Governance.Phase) {
		return fmt.Errorf("invalid AI_PHASE %q (expected read_only, proposal or execution)", c.Governance.Phase)
	}
	if c.Governance.RateLimitPerMinute <= 0 || c.Governance.RateLimitPerDay <= 0 {
		return fmt.Errorf("AI rate limits must be positive")
	}
	if c.Governance.AuditRetentionDays <= 0 || c.Governance.UsageRetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	if c.Governance.IdempotencyTTL <= 0 {
		return fmt.Errorf("AI_IDEMPOTENCY_TTL must be positive")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if c.Governance.RedactionSalt == "" {
			return fmt.Errorf("AI_REDACTION_SALT is required in production")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when redis is enabled")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func validPhase(p string) bool {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(p)), "-", "_") {
	case "read_only", "readonly", "proposal", "execution":
		return true
	}
	return false
}

// AuditRetention returns the audit retention window
func (g GovernanceConfig) AuditRetention() time.Duration {
	return time.Duration(g.AuditRetentionDays) * 24 * time.Hour
}

// UsageRetention returns the usage retention window
func (g GovernanceConfig) UsageRetention() time.Duration {
	return time.Duration(g.UsageRetentionDays) * 24 * time.Hour
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars (tsum-app pattern)
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", "audit_password"),
		Database:        getEnv("DB_NAME", "audit"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// LoadAuditDatabase returns the connection settings of the database that
// holds audit_events: DATABASE_URL_AUDIT when set, the primary database
// otherwise. It does not validate the rest of the configuration.
func LoadAuditDatabase() DatabaseConfig {
	_ = godotenv.Load(".env")
	if audit := loadAuditDatabaseConfig(); audit != nil {
		return *audit
	}
	return loadDatabaseConfig()
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8443)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8443
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
