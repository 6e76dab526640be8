// Package config loads claspd's runtime configuration from environment
// variables (and an optional .env file), grounded on the teacher's
// caarlos0/env + godotenv loader.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// SecurityMode selects whether sessions must present a bearer token during
// HELLO.
type SecurityMode string

const (
	SecurityOpen          SecurityMode = "open"
	SecurityTokenRequired SecurityMode = "token_required"
)

// Config holds all router configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Identity
	Name string `env:"CLASPD_NAME" envDefault:"claspd"`

	// Transport binds
	WSAddr  string `env:"CLASPD_WS_ADDR" envDefault:":7330"`
	TCPAddr string `env:"CLASPD_TCP_ADDR" envDefault:":7891"`

	// Session capacity and lifecycle
	MaxSessions               int           `env:"CLASPD_MAX_SESSIONS" envDefault:"10000"`
	SessionTimeout            time.Duration `env:"CLASPD_SESSION_TIMEOUT" envDefault:"30s"`
	MaxSubscriptionsPerSession int          `env:"CLASPD_MAX_SUBSCRIPTIONS_PER_SESSION" envDefault:"256"`

	// Outbound backpressure
	OutboundQueueMessages int `env:"CLASPD_OUTBOUND_QUEUE_MESSAGES" envDefault:"1024"`
	OutboundQueueBytes    int `env:"CLASPD_OUTBOUND_QUEUE_BYTES" envDefault:"4194304"`

	// Rate limiting
	RateLimitingEnabled bool `env:"CLASPD_RATE_LIMITING_ENABLED" envDefault:"true"`
	MaxMessagesPerSecond int `env:"CLASPD_MAX_MESSAGES_PER_SECOND" envDefault:"240"`

	// Gesture coalescing
	GestureCoalescing        bool `env:"CLASPD_GESTURE_COALESCING" envDefault:"true"`
	GestureCoalesceIntervalMS int `env:"CLASPD_GESTURE_COALESCE_INTERVAL_MS" envDefault:"16"`

	// Snapshot chunking
	SnapshotChunkBytes int `env:"CLASPD_SNAPSHOT_CHUNK_BYTES" envDefault:"65536"`

	// Bundle and address-space bounds
	MaxBundleSize int `env:"CLASPD_MAX_BUNDLE_SIZE" envDefault:"256"`
	MaxAddresses  int `env:"CLASPD_MAX_ADDRESSES" envDefault:"1000000"`

	// Security
	SecurityMode  SecurityMode `env:"CLASPD_SECURITY_MODE" envDefault:"open"`
	JWTPublicKey  string       `env:"CLASPD_JWT_PUBLIC_KEY" envDefault:""`
	JWTPublicKeyPath string    `env:"CLASPD_JWT_PUBLIC_KEY_PATH" envDefault:""`

	// Cross-instance peering (NATS fanout bridge)
	NATSURL     string `env:"CLASPD_NATS_URL" envDefault:"nats://localhost:4222"`
	PeeringSubject string `env:"CLASPD_PEERING_SUBJECT" envDefault:"clasp.fanout"`
	PeeringEnabled bool   `env:"CLASPD_PEERING_ENABLED" envDefault:"false"`

	// Kafka ingest bridge
	KafkaBrokers       string `env:"CLASPD_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaConsumerGroup string `env:"CLASPD_KAFKA_CONSUMER_GROUP" envDefault:"claspd-bridge"`
	KafkaTopics        string `env:"CLASPD_KAFKA_TOPICS" envDefault:""`
	KafkaBridgeEnabled bool   `env:"CLASPD_KAFKA_BRIDGE_ENABLED" envDefault:"false"`
	KafkaAddressPrefix string `env:"CLASPD_KAFKA_ADDRESS_PREFIX" envDefault:"/kafka"`

	// Resource limits (container-aware)
	CPULimit    float64 `env:"CLASPD_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"CLASPD_MEMORY_LIMIT" envDefault:"536870912"`

	// CPU safety thresholds, relative to container CPU allocation (see
	// internal/platform's resource guard).
	CPURejectThreshold float64 `env:"CLASPD_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CLASPD_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Worker pool
	WorkerPoolSize      int `env:"CLASPD_WORKER_POOL_SIZE" envDefault:"64"`
	WorkerPoolQueueSize int `env:"CLASPD_WORKER_POOL_QUEUE_SIZE" envDefault:"4096"`

	// Bundle scheduler resolution
	BundleSchedulerResolution time.Duration `env:"CLASPD_BUNDLE_SCHEDULER_RESOLUTION" envDefault:"10ms"`

	// Monitoring
	MetricsAddr     string        `env:"CLASPD_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"CLASPD_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"CLASPD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CLASPD_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"CLASPD_ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file (optional) and the
// environment. Priority: env vars > .env file > defaults.
//
// The logger parameter is optional; if nil, loading notices go to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		} else {
			fmt.Println("info: no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("CLASPD_NAME is required")
	}
	if c.WSAddr == "" && c.TCPAddr == "" {
		return fmt.Errorf("at least one of CLASPD_WS_ADDR or CLASPD_TCP_ADDR must be set")
	}

	if c.MaxSessions < 1 {
		return fmt.Errorf("CLASPD_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxSubscriptionsPerSession < 0 {
		return fmt.Errorf("CLASPD_MAX_SUBSCRIPTIONS_PER_SESSION must be >= 0, got %d", c.MaxSubscriptionsPerSession)
	}
	if c.OutboundQueueMessages < 1 {
		return fmt.Errorf("CLASPD_OUTBOUND_QUEUE_MESSAGES must be > 0, got %d", c.OutboundQueueMessages)
	}
	if c.OutboundQueueBytes < 1 {
		return fmt.Errorf("CLASPD_OUTBOUND_QUEUE_BYTES must be > 0, got %d", c.OutboundQueueBytes)
	}
	if c.MaxMessagesPerSecond < 1 {
		return fmt.Errorf("CLASPD_MAX_MESSAGES_PER_SECOND must be > 0, got %d", c.MaxMessagesPerSecond)
	}
	if c.GestureCoalesceIntervalMS < 1 {
		return fmt.Errorf("CLASPD_GESTURE_COALESCE_INTERVAL_MS must be > 0, got %d", c.GestureCoalesceIntervalMS)
	}
	if c.SnapshotChunkBytes < 1 {
		return fmt.Errorf("CLASPD_SNAPSHOT_CHUNK_BYTES must be > 0, got %d", c.SnapshotChunkBytes)
	}
	if c.MaxBundleSize < 1 {
		return fmt.Errorf("CLASPD_MAX_BUNDLE_SIZE must be > 0, got %d", c.MaxBundleSize)
	}
	if c.MaxAddresses < 1 {
		return fmt.Errorf("CLASPD_MAX_ADDRESSES must be > 0, got %d", c.MaxAddresses)
	}

	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CLASPD_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CLASPD_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CLASPD_CPU_PAUSE_THRESHOLD (%.1f) must be >= CLASPD_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("CLASPD_WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize)
	}
	if c.WorkerPoolQueueSize < 1 {
		return fmt.Errorf("CLASPD_WORKER_POOL_QUEUE_SIZE must be > 0, got %d", c.WorkerPoolQueueSize)
	}
	if c.BundleSchedulerResolution <= 0 {
		return fmt.Errorf("CLASPD_BUNDLE_SCHEDULER_RESOLUTION must be > 0, got %s", c.BundleSchedulerResolution)
	}

	validSecurityModes := map[SecurityMode]bool{SecurityOpen: true, SecurityTokenRequired: true}
	if !validSecurityModes[c.SecurityMode] {
		return fmt.Errorf("CLASPD_SECURITY_MODE must be one of: open, token_required (got: %s)", c.SecurityMode)
	}
	if c.SecurityMode == SecurityTokenRequired && c.JWTPublicKey == "" && c.JWTPublicKeyPath == "" {
		return fmt.Errorf("CLASPD_SECURITY_MODE=token_required requires CLASPD_JWT_PUBLIC_KEY or CLASPD_JWT_PUBLIC_KEY_PATH")
	}

	if c.PeeringEnabled && c.NATSURL == "" {
		return fmt.Errorf("CLASPD_PEERING_ENABLED=true requires CLASPD_NATS_URL")
	}
	if c.KafkaBridgeEnabled && c.KafkaBrokers == "" {
		return fmt.Errorf("CLASPD_KAFKA_BRIDGE_ENABLED=true requires CLASPD_KAFKA_BROKERS")
	}
	if c.KafkaBridgeEnabled && c.KafkaTopics == "" {
		return fmt.Errorf("CLASPD_KAFKA_BRIDGE_ENABLED=true requires CLASPD_KAFKA_TOPICS")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("CLASPD_LOG_LEVEL must be one of: debug, info, warn, error, fatal (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("CLASPD_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging in a human-readable format. For
// production use LogConfig, which emits structured fields instead.
func (c *Config) Print() {
	fmt.Println("=== claspd Configuration ===")
	fmt.Printf("Name:            %s\n", c.Name)
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("WS Addr:         %s\n", c.WSAddr)
	fmt.Printf("TCP Addr:        %s\n", c.TCPAddr)
	fmt.Println("\n=== Capacity ===")
	fmt.Printf("Max Sessions:    %d\n", c.MaxSessions)
	fmt.Printf("Session Timeout: %s\n", c.SessionTimeout)
	fmt.Printf("Max Subs/Sess:   %d\n", c.MaxSubscriptionsPerSession)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("Rate Limiting:   %t\n", c.RateLimitingEnabled)
	fmt.Printf("Max Msgs/Sec:    %d\n", c.MaxMessagesPerSecond)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Limit:       %.1f cores\n", c.CPULimit)
	fmt.Printf("Memory Limit:    %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Printf("CPU Pause:       %.1f%%\n", c.CPUPauseThreshold)
	fmt.Println("\n=== Security ===")
	fmt.Printf("Mode:            %s\n", c.SecurityMode)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("name", c.Name).
		Str("environment", c.Environment).
		Str("ws_addr", c.WSAddr).
		Str("tcp_addr", c.TCPAddr).
		Int("max_sessions", c.MaxSessions).
		Dur("session_timeout", c.SessionTimeout).
		Int("max_subscriptions_per_session", c.MaxSubscriptionsPerSession).
		Bool("rate_limiting_enabled", c.RateLimitingEnabled).
		Int("max_messages_per_second", c.MaxMessagesPerSecond).
		Bool("gesture_coalescing", c.GestureCoalescing).
		Int("gesture_coalesce_interval_ms", c.GestureCoalesceIntervalMS).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("security_mode", string(c.SecurityMode)).
		Bool("peering_enabled", c.PeeringEnabled).
		Bool("kafka_bridge_enabled", c.KafkaBridgeEnabled).
		Int("worker_pool_size", c.WorkerPoolSize).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
