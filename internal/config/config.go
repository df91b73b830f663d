// Package config loads the control plane's configuration from the
// environment with explicit defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr         string
	PublicHost       string
	SQLitePath       string
	TLSEnabled       bool
	CertDir          string
	CertBackend      string
	TokenTTL         time.Duration
	AllowLegacyToken bool
	LoginRateLimit   int
	LoginRateWindow  time.Duration
	APIRateLimit     int
	APIRateWindow    time.Duration
	AllowedOrigins   []string
	ChatHistoryLimit int
}

func Load() Config {
	baseDir := executableDir()
	tokenTTLSec := envInt("AUTH_TOKEN_TTL_SECONDS", 86400)
	loginRateLimit := envInt("AUTH_LOGIN_RATE_LIMIT", 5)
	loginRateWindowSec := envInt("AUTH_LOGIN_RATE_WINDOW_SECONDS", 60)
	apiRateLimit := envInt("API_RATE_LIMIT", 120)
	apiRateWindowSec := envInt("API_RATE_WINDOW_SECONDS", 60)
	return Config{
		HTTPAddr:         env("QUARTERDECK_HTTP_ADDR", ":8787"),
		PublicHost:       env("QUARTERDECK_PUBLIC_HOST", ""),
		SQLitePath:       envPath("QUARTERDECK_SQLITE_PATH", filepath.Join(baseDir, "quarterdeck.db"), baseDir),
		TLSEnabled:       envBool("QUARTERDECK_TLS", true),
		CertDir:          envPath("QUARTERDECK_CERT_DIR", filepath.Join(baseDir, "certs"), baseDir),
		CertBackend:      env("QUARTERDECK_CERT_BACKEND", "native"),
		TokenTTL:         time.Duration(tokenTTLSec) * time.Second,
		AllowLegacyToken: envBool("AUTH_ALLOW_LEGACY_TOKEN", true),
		LoginRateLimit:   loginRateLimit,
		LoginRateWindow:  time.Duration(loginRateWindowSec) * time.Second,
		APIRateLimit:     apiRateLimit,
		APIRateWindow:    time.Duration(apiRateWindowSec) * time.Second,
		AllowedOrigins:   splitCSV(env("QUARTERDECK_ALLOWED_ORIGINS", "")),
		ChatHistoryLimit: envInt("CHAT_HISTORY_LIMIT", 200),
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envPath(k, def, baseDir string) string {
	v := env(k, def)
	if v == "" {
		return v
	}
	if filepath.IsAbs(v) {
		return v
	}
	if baseDir == "" {
		return v
	}
	return filepath.Join(baseDir, v)
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil || exe == "" {
		return "."
	}
	if real, err := filepath.EvalSymlinks(exe); err == nil && real != "" {
		exe = real
	}
	dir := filepath.Dir(exe)
	if dir == "" {
		return "."
	}
	return dir
}
