package config

import (
	"os"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	clearClaspdEnv(t)

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "claspd" {
		t.Fatalf("Name = %q, want claspd", cfg.Name)
	}
	if cfg.WSAddr != ":7330" {
		t.Fatalf("WSAddr = %q, want :7330", cfg.WSAddr)
	}
	if cfg.MaxSessions != 10000 {
		t.Fatalf("MaxSessions = %d, want 10000", cfg.MaxSessions)
	}
	if cfg.SecurityMode != SecurityOpen {
		t.Fatalf("SecurityMode = %q, want open", cfg.SecurityMode)
	}
	if cfg.GestureCoalesceIntervalMS != 16 {
		t.Fatalf("GestureCoalesceIntervalMS = %d, want 16", cfg.GestureCoalesceIntervalMS)
	}
}

func TestLoadConfigHonorsEnvOverride(t *testing.T) {
	clearClaspdEnv(t)
	t.Setenv("CLASPD_NAME", "clasp-prod-1")
	t.Setenv("CLASPD_MAX_SESSIONS", "50")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "clasp-prod-1" {
		t.Fatalf("Name = %q, want clasp-prod-1", cfg.Name)
	}
	if cfg.MaxSessions != 50 {
		t.Fatalf("MaxSessions = %d, want 50", cfg.MaxSessions)
	}
}

func TestValidateRejectsEmptyName(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty Name")
	}
}

func TestValidateRejectsNoTransportAddr(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.WSAddr = ""
	cfg.TCPAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no transport address is set")
	}
}

func TestValidateRejectsInvertedCPUThresholds(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.CPURejectThreshold = 90
	cfg.CPUPauseThreshold = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when pause threshold is below reject threshold")
	}
}

func TestValidateRejectsTokenRequiredWithoutKey(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SecurityMode = SecurityTokenRequired
	cfg.JWTPublicKey = ""
	cfg.JWTPublicKeyPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for token_required mode without a key source")
	}
}

func TestValidateAcceptsTokenRequiredWithKeyPath(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.SecurityMode = SecurityTokenRequired
	cfg.JWTPublicKeyPath = "/etc/claspd/jwt.pub"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidateRejectsPeeringWithoutURL(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.PeeringEnabled = true
	cfg.NATSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peering enabled without a NATS URL")
	}
}

func TestValidateRejectsKafkaBridgeWithoutBrokers(t *testing.T) {
	cfg := defaultedConfig(t)
	cfg.KafkaBridgeEnabled = true
	cfg.KafkaBrokers = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for Kafka bridge enabled without brokers")
	}
}

// defaultedConfig loads a config with defaults (no env overrides) as a
// starting point for mutation-based Validate tests.
func defaultedConfig(t *testing.T) *Config {
	t.Helper()
	clearClaspdEnv(t)
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

// clearClaspdEnv scrubs every CLASPD_* variable that could leak in from the
// test process's environment, so defaults tests stay deterministic. Restores
// the original values (or absence) via t.Cleanup.
func clearClaspdEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CLASPD_NAME", "CLASPD_WS_ADDR", "CLASPD_TCP_ADDR", "CLASPD_MAX_SESSIONS",
		"CLASPD_SESSION_TIMEOUT", "CLASPD_MAX_SUBSCRIPTIONS_PER_SESSION",
		"CLASPD_OUTBOUND_QUEUE_MESSAGES", "CLASPD_OUTBOUND_QUEUE_BYTES",
		"CLASPD_RATE_LIMITING_ENABLED", "CLASPD_MAX_MESSAGES_PER_SECOND",
		"CLASPD_GESTURE_COALESCING", "CLASPD_GESTURE_COALESCE_INTERVAL_MS",
		"CLASPD_SNAPSHOT_CHUNK_BYTES", "CLASPD_MAX_BUNDLE_SIZE", "CLASPD_MAX_ADDRESSES",
		"CLASPD_SECURITY_MODE", "CLASPD_JWT_PUBLIC_KEY",
		"CLASPD_JWT_PUBLIC_KEY_PATH", "CLASPD_NATS_URL", "CLASPD_PEERING_SUBJECT",
		"CLASPD_PEERING_ENABLED", "CLASPD_KAFKA_BROKERS", "CLASPD_KAFKA_CONSUMER_GROUP", "CLASPD_KAFKA_TOPICS",
		"CLASPD_KAFKA_BRIDGE_ENABLED", "CLASPD_KAFKA_ADDRESS_PREFIX", "CLASPD_CPU_LIMIT",
		"CLASPD_MEMORY_LIMIT", "CLASPD_CPU_REJECT_THRESHOLD", "CLASPD_CPU_PAUSE_THRESHOLD",
		"CLASPD_WORKER_POOL_SIZE", "CLASPD_WORKER_POOL_QUEUE_SIZE",
		"CLASPD_BUNDLE_SCHEDULER_RESOLUTION", "CLASPD_METRICS_ADDR", "CLASPD_METRICS_INTERVAL",
		"CLASPD_LOG_LEVEL", "CLASPD_LOG_FORMAT", "CLASPD_ENVIRONMENT",
	}
	for _, key := range keys {
		prev, had := os.LookupEnv(key)
		_ = os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, prev)
			}
		})
	}
}
