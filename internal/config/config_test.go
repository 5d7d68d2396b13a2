package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_ENV", "LOG_HEALTH_REQUESTS",
		"GATEWAY_PORT", "BROADCAST_PORT",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL", "VALKEY_DIAL_TIMEOUT",
		"CHALLENGE_MAX_AGE", "CHALLENGE_FUTURE_SKEW", "IDENTITY_LOOKUP_TTL",
		"HANDSHAKE_TIMEOUT", "LOAD_TIMEOUT", "IDLE_TIMEOUT", "IDLE_PING_INTERVAL",
		"DEBOUNCE_MIN_MS", "DEBOUNCE_MAX_MS",
		"GRACE_PERIOD",
		"CLASSIFIER_MAX_CONTENT_UPDATE_BYTES",
		"SLOW_CONSUMER_WATERMARK",
		"MAX_BROADCAST_ENTRIES_PER_ACCOUNT",
		"BROADCAST_SHARED_SECRET",
		"RATE_LIMIT_WS_COUNT", "RATE_LIMIT_WS_WINDOW_SECONDS",
		"CORS_ALLOW_ORIGINS",
		"GATEWAY_MAX_CONNECTIONS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	// BROADCAST_SHARED_SECRET is required by validation.
	t.Setenv("BROADCAST_SHARED_SECRET", strings.Repeat("ab", 16))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if !cfg.LogHealthRequests {
		t.Errorf("LogHealthRequests = false, want true")
	}

	if cfg.GatewayPort != 1234 {
		t.Errorf("GatewayPort = %d, want 1234", cfg.GatewayPort)
	}
	if cfg.BroadcastPort != 1235 {
		t.Errorf("BroadcastPort = %d, want 1235", cfg.BroadcastPort)
	}

	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}

	if cfg.ChallengeMaxAge != 24*time.Hour {
		t.Errorf("ChallengeMaxAge = %v, want 24h", cfg.ChallengeMaxAge)
	}
	if cfg.ChallengeFutureSkew != 5*time.Minute {
		t.Errorf("ChallengeFutureSkew = %v, want 5m", cfg.ChallengeFutureSkew)
	}

	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.LoadTimeout != 30*time.Second {
		t.Errorf("LoadTimeout = %v, want 30s", cfg.LoadTimeout)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want 30s", cfg.IdleTimeout)
	}

	if cfg.DebounceMinMS != 2000 {
		t.Errorf("DebounceMinMS = %d, want 2000", cfg.DebounceMinMS)
	}
	if cfg.DebounceMaxMS != 10000 {
		t.Errorf("DebounceMaxMS = %d, want 10000", cfg.DebounceMaxMS)
	}

	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %v, want 10s", cfg.GracePeriod)
	}

	if cfg.ClassifierMaxContentUpdateBytes != 1<<20 {
		t.Errorf("ClassifierMaxContentUpdateBytes = %d, want %d", cfg.ClassifierMaxContentUpdateBytes, 1<<20)
	}

	if cfg.SlowConsumerWatermark != 256 {
		t.Errorf("SlowConsumerWatermark = %d, want 256", cfg.SlowConsumerWatermark)
	}

	if cfg.MaxBroadcastEntriesPerAccount != 10 {
		t.Errorf("MaxBroadcastEntriesPerAccount = %d, want 10", cfg.MaxBroadcastEntriesPerAccount)
	}

	if cfg.RateLimitWSCount != 120 {
		t.Errorf("RateLimitWSCount = %d, want 120", cfg.RateLimitWSCount)
	}
	if cfg.RateLimitWSWindowSeconds != 10 {
		t.Errorf("RateLimitWSWindowSeconds = %d, want 10", cfg.RateLimitWSWindowSeconds)
	}

	if cfg.CORSAllowOrigins != "*" {
		t.Errorf("CORSAllowOrigins = %q, want %q", cfg.CORSAllowOrigins, "*")
	}

	if cfg.GatewayMaxConnections != 10000 {
		t.Errorf("GatewayMaxConnections = %d, want 10000", cfg.GatewayMaxConnections)
	}
}

func TestLoadRequiresBroadcastSharedSecret(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error when BROADCAST_SHARED_SECRET is unset")
	}
	if !strings.Contains(err.Error(), "BROADCAST_SHARED_SECRET") {
		t.Errorf("error = %v, want mention of BROADCAST_SHARED_SECRET", err)
	}
}

func TestLoadRejectsShortBroadcastSharedSecret(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", "abcd")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error for a too-short BROADCAST_SHARED_SECRET")
	}
}

func TestLoadRejectsInvalidIntegers(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", strings.Repeat("ab", 16))
	t.Setenv("GATEWAY_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error for an invalid GATEWAY_PORT")
	}
	if !strings.Contains(err.Error(), "GATEWAY_PORT") {
		t.Errorf("error = %v, want mention of GATEWAY_PORT", err)
	}
}

func TestLoadRejectsConflictingPorts(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", strings.Repeat("ab", 16))
	t.Setenv("GATEWAY_PORT", "9000")
	t.Setenv("BROADCAST_PORT", "9000")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error when GATEWAY_PORT == BROADCAST_PORT")
	}
}

func TestLoadRejectsInvertedDatabaseConnBounds(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", strings.Repeat("ab", 16))
	t.Setenv("DATABASE_MAX_CONNS", "2")
	t.Setenv("DATABASE_MIN_CONNS", "5")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error when DATABASE_MIN_CONNS exceeds DATABASE_MAX_CONNS")
	}
}

func TestLoadRejectsInvertedDebounceBounds(t *testing.T) {
	t.Setenv("BROADCAST_SHARED_SECRET", strings.Repeat("ab", 16))
	t.Setenv("DEBOUNCE_MIN_MS", "10000")
	t.Setenv("DEBOUNCE_MAX_MS", "2000")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected an error when DEBOUNCE_MAX_MS is below DEBOUNCE_MIN_MS")
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{ServerEnv: "development"}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true for ServerEnv=development")
	}

	cfg.ServerEnv = "production"
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false for ServerEnv=production")
	}
}
