package config

import (
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"QUARTERDECK_HTTP_ADDR", "QUARTERDECK_PUBLIC_HOST", "QUARTERDECK_SQLITE_PATH",
		"QUARTERDECK_TLS", "QUARTERDECK_CERT_DIR", "QUARTERDECK_CERT_BACKEND",
		"AUTH_TOKEN_TTL_SECONDS", "AUTH_ALLOW_LEGACY_TOKEN",
		"AUTH_LOGIN_RATE_LIMIT", "AUTH_LOGIN_RATE_WINDOW_SECONDS",
		"API_RATE_LIMIT", "API_RATE_WINDOW_SECONDS",
		"QUARTERDECK_ALLOWED_ORIGINS", "CHAT_HISTORY_LIMIT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if cfg.HTTPAddr != ":8787" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if !cfg.TLSEnabled {
		t.Fatalf("TLS should default on")
	}
	if cfg.CertBackend != "native" {
		t.Fatalf("CertBackend = %q", cfg.CertBackend)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("TokenTTL = %s", cfg.TokenTTL)
	}
	if !cfg.AllowLegacyToken {
		t.Fatalf("legacy token compatibility should default on")
	}
	if cfg.LoginRateLimit != 5 || cfg.LoginRateWindow != time.Minute {
		t.Fatalf("login limits = %d/%s", cfg.LoginRateLimit, cfg.LoginRateWindow)
	}
	if cfg.APIRateLimit != 120 || cfg.APIRateWindow != time.Minute {
		t.Fatalf("api limits = %d/%s", cfg.APIRateLimit, cfg.APIRateWindow)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins should default empty, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUARTERDECK_HTTP_ADDR", ":9443")
	t.Setenv("QUARTERDECK_TLS", "off")
	t.Setenv("AUTH_ALLOW_LEGACY_TOKEN", "no")
	t.Setenv("AUTH_LOGIN_RATE_LIMIT", "3")
	t.Setenv("QUARTERDECK_ALLOWED_ORIGINS", "https://a, https://b")

	cfg := Load()
	if cfg.HTTPAddr != ":9443" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.TLSEnabled {
		t.Fatalf("TLS override ignored")
	}
	if cfg.AllowLegacyToken {
		t.Fatalf("legacy flag override ignored")
	}
	if cfg.LoginRateLimit != 3 {
		t.Fatalf("LoginRateLimit = %d", cfg.LoginRateLimit)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a" || cfg.AllowedOrigins[1] != "https://b" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestEnvPathResolvesRelativeToBaseDir(t *testing.T) {
	t.Setenv("QUARTERDECK_TEST_PATH_1", "")
	base := filepath.FromSlash("/opt/quarterdeck/bin")
	got := envPath("QUARTERDECK_TEST_PATH_1", "./certs", base)
	want := filepath.Join(base, "./certs")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEnvPathKeepsAbsolutePath(t *testing.T) {
	t.Setenv("QUARTERDECK_TEST_PATH_2", "")
	base := filepath.FromSlash("/opt/quarterdeck/bin")
	abs := filepath.Join(t.TempDir(), "certs")
	got := envPath("QUARTERDECK_TEST_PATH_2", abs, base)
	if got != abs {
		t.Fatalf("expected absolute path preserved, got %q", got)
	}
}

func TestExecutableDirNotEmpty(t *testing.T) {
	if d := executableDir(); d == "" {
		t.Fatalf("executableDir should not be empty")
	}
}
