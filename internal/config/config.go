// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Upstream  UpstreamConfig
	Breaker   BreakerConfig
	Realtime  RealtimeConfig
	Quality   QualityConfig
	Personas  PersonaConfig
	NATS      NATSConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           string        `env:"PORT"                 envDefault:"8080"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"https://*,http://*" envSeparator:","`
	SSEHeartbeat   time.Duration `env:"SSE_HEARTBEAT"        envDefault:"15s"`
}

// DefaultJWTSecret is the development signing secret. Deployments must override it.
const DefaultJWTSecret = "development-secret-change-in-production"

// AuthConfig contains identity verification settings.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"   envDefault:"development-secret-change-in-production"`
	JWTIssuer string `env:"JWT_ISSUER"   envDefault:"klk-auth"`
	// RequireAuth rejects websocket handshakes that carry no credential.
	RequireAuth bool `env:"REQUIRE_AUTH" envDefault:"false"`
}

// UpstreamConfig describes the OpenAI-compatible chat completion endpoint.
type UpstreamConfig struct {
	BaseURL        string        `env:"LLM_BASE_URL"        envDefault:"https://openrouter.ai/api/v1"`
	APIKey         string        `env:"LLM_API_KEY"`
	DefaultModel   string        `env:"LLM_DEFAULT_MODEL"   envDefault:"openai/gpt-4o-mini"`
	MaxTokens      int           `env:"LLM_MAX_TOKENS"      envDefault:"1024"`
	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"30s"`
	MaxAttempts    int           `env:"LLM_MAX_ATTEMPTS"    envDefault:"3"`
	RetryBaseDelay time.Duration `env:"LLM_RETRY_BASE_DELAY" envDefault:"500ms"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	TimeoutThreshold int           `env:"BREAKER_TIMEOUT_THRESHOLD" envDefault:"8"`
	Cooldown         time.Duration `env:"BREAKER_COOLDOWN"          envDefault:"30s"`
}

// RealtimeConfig contains websocket session settings.
type RealtimeConfig struct {
	ChatRateLimit  int           `env:"CHAT_RATE_LIMIT"     envDefault:"20"`
	ChatRateWindow time.Duration `env:"CHAT_RATE_WINDOW"    envDefault:"1m"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT"        envDefault:"5m"`
	SweepInterval  time.Duration `env:"IDLE_SWEEP_INTERVAL" envDefault:"30s"`
	SendBuffer     int           `env:"SESSION_SEND_BUFFER" envDefault:"256"`
	HistoryLimit   int           `env:"CHAT_HISTORY_LIMIT"  envDefault:"10"`
}

// QualityConfig contains response quality gate settings.
type QualityConfig struct {
	Enabled        bool          `env:"QUALITY_GATE_ENABLED"     envDefault:"true"`
	Threshold      float64       `env:"QUALITY_THRESHOLD"        envDefault:"0.6"`
	Deadline       time.Duration `env:"CHAT_PIPELINE_DEADLINE"   envDefault:"90s"`
	AppendFollowUp bool          `env:"QUALITY_APPEND_FOLLOW_UP" envDefault:"true"`
}

// PersonaConfig contains persona catalog settings.
type PersonaConfig struct {
	File    string `env:"PERSONAS_FILE"`
	Default string `env:"DEFAULT_PERSONA" envDefault:"default"`
}

// NATSConfig contains NATS connection settings. An empty URL keeps
// messages in memory.
type NATSConfig struct {
	URL            string        `env:"NATS_URL"`
	CAFile         string        `env:"NATS_CA_FILE"`
	CertFile       string        `env:"NATS_CERT_FILE"`
	KeyFile        string        `env:"NATS_KEY_FILE"`
	Token          string        `env:"NATS_TOKEN"`
	ConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" envDefault:"5s"`
}

// RateLimitConfig contains REST rate limiting settings.
type RateLimitConfig struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW"   envDefault:"1m"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `env:"TRACING_ENABLED"  envDefault:"false"`
	Endpoint string `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
}

// Load reads an optional .env file and parses configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}
