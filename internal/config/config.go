package config

import (
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
}

// ServerConfig holds the listener settings of the HTTP and gRPC servers.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"        env:"SERVER_HTTP_ADDR"        env-default:":8080"`
	GRPCAddr        string        `yaml:"grpc_addr"        env:"SERVER_GRPC_ADDR"        env-default:":50051"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"5s"`
}

// DatabaseConfig holds MySQL connection settings.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"      env:"DATABASE_DSN"      env-default:"root:root@tcp(localhost:3306)/kiosk?parseTime=true"`
	MaxOpen int    `yaml:"max_open" env:"DATABASE_MAX_OPEN" env-default:"50"`
	MaxIdle int    `yaml:"max_idle" env:"DATABASE_MAX_IDLE" env-default:"25"`
}

// RedisConfig holds the stock mirror and idempotency store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"      env:"REDIS_ADDR"      env-default:"localhost:6379"`
	Password string `yaml:"password"  env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"        env:"REDIS_DB"        env-default:"0"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"100"`
}

// WorkflowConfig tunes the request workflow engine.
type WorkflowConfig struct {
	CodeMaxAttempts  int           `yaml:"code_max_attempts" env:"WORKFLOW_CODE_MAX_ATTEMPTS" env-default:"50"`
	TxRetries        int           `yaml:"tx_retries"        env:"WORKFLOW_TX_RETRIES"        env-default:"3"`
	BulkConcurrency  int           `yaml:"bulk_concurrency"  env:"WORKFLOW_BULK_CONCURRENCY"  env-default:"4"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"   env:"WORKFLOW_IDEMPOTENCY_TTL"   env-default:"24h"`
	PublisherWorkers int           `yaml:"publisher_workers" env:"WORKFLOW_PUBLISHER_WORKERS" env-default:"10"`
	PublisherQueue   int           `yaml:"publisher_queue"   env:"WORKFLOW_PUBLISHER_QUEUE"   env-default:"10000"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// CORSConfig holds CORS settings. List values are comma-separated.
type CORSConfig struct {
	AllowedOrigins   string        `yaml:"allowed_origins"   env:"CORS_ALLOWED_ORIGINS"   env-default:"*"`
	AllowedMethods   string        `yaml:"allowed_methods"   env:"CORS_ALLOWED_METHODS"   env-default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   string        `yaml:"allowed_headers"   env:"CORS_ALLOWED_HEADERS"   env-default:"Content-Type,Idempotency-Key"`
	AllowCredentials bool          `yaml:"allow_credentials" env:"CORS_ALLOW_CREDENTIALS" env-default:"false"`
	MaxAge           time.Duration `yaml:"max_age"           env:"CORS_MAX_AGE"           env-default:"12h"`
}

// Origins returns the allowed origins as a slice.
func (c CORSConfig) Origins() []string { return splitList(c.AllowedOrigins) }

// Methods returns the allowed methods as a slice.
func (c CORSConfig) Methods() []string { return splitList(c.AllowedMethods) }

// Headers returns the allowed headers as a slice.
func (c CORSConfig) Headers() []string { return splitList(c.AllowedHeaders) }

// AllowsAllOrigins reports whether the wildcard origin is configured.
func (c CORSConfig) AllowsAllOrigins() bool {
	for _, o := range c.Origins() {
		if o == "*" {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
