package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("OTP_TTL", "2m")
	t.Setenv("PLATFORM_FEE_PERCENT", "12.5")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "8083" || cfg.BanThreshold != 3 || cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.OTPTTL != 2*time.Minute || cfg.PlatformFeePercent != 12.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OUTBOX_POLL_INTERVAL", "soon")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OUTBOX_POLL_INTERVAL") {
		t.Fatalf("expected a parse error, got %v", err)
	}

	t.Setenv("OUTBOX_POLL_INTERVAL", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected a missing secret error, got %v", err)
	}
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := &Config{JWTSecret: "s", StoreDriver: "postgres", HTTPPort: "1", GRPCPort: "2", BanThreshold: 3, SessionTTL: time.Hour, OTPTTL: time.Minute}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "STORE_DRIVER") {
		t.Fatalf("got %v", err)
	}
}
