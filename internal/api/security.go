package api

import (
	"sync"
	"time"
)

// SecurityConfig tunes the request-gating layer: the two rate-limit
// windows, the CORS allow-list, and the legacy bearer compatibility flag.
type SecurityConfig struct {
	LoginRateLimit   int
	LoginRateWindow  time.Duration
	APIRateLimit     int
	APIRateWindow    time.Duration
	AllowedOrigins   []string
	AllowLegacyToken bool
	TokenTTL         time.Duration
	ChatHistoryLimit int
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		LoginRateLimit:   5,
		LoginRateWindow:  60 * time.Second,
		APIRateLimit:     120,
		APIRateWindow:    60 * time.Second,
		AllowLegacyToken: true,
		TokenTTL:         24 * time.Hour,
		ChatHistoryLimit: 200,
	}
}

func normalizeSecurityConfig(cfg SecurityConfig) SecurityConfig {
	def := defaultSecurityConfig()
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = def.LoginRateLimit
	}
	if cfg.LoginRateWindow <= 0 {
		cfg.LoginRateWindow = def.LoginRateWindow
	}
	if cfg.APIRateLimit <= 0 {
		cfg.APIRateLimit = def.APIRateLimit
	}
	if cfg.APIRateWindow <= 0 {
		cfg.APIRateWindow = def.APIRateWindow
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.ChatHistoryLimit <= 0 {
		cfg.ChatHistoryLimit = def.ChatHistoryLimit
	}
	if len(cfg.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string{}, cfg.AllowedOrigins...)
	}
	return cfg
}

// slidingLimiter enforces an exact trailing-window bound: a key never
// records more than limit timestamps inside any window-sized interval.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newSlidingLimiter(limit int, window time.Duration) *slidingLimiter {
	return &slidingLimiter{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
	}
}

// Allow prunes entries older than the window, then either records now
// and accepts, or rejects without recording when the key is at its
// limit. Rejected attempts do not extend the window.
func (l *slidingLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, now)
	if len(kept) >= l.limit {
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// RetryAfter reports how long the key must wait for the oldest recorded
// hit to leave the window. Always at least one second so the header
// never rounds down to an immediate retry.
func (l *slidingLimiter) RetryAfter(key string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, now)
	l.hits[key] = kept
	if len(kept) == 0 {
		return time.Second
	}
	wait := l.window - now.Sub(kept[0])
	if wait < time.Second {
		wait = time.Second
	}
	if wait > l.window {
		wait = l.window
	}
	return wait
}

// prune drops timestamps older than now-window. Caller holds the lock.
// Timestamps are appended in order, so the slice stays sorted and the
// cutoff is a prefix.
func (l *slidingLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	kept := hits[i:]
	if len(kept) == 0 {
		delete(l.hits, key)
		return nil
	}
	return append([]time.Time{}, kept...)
}
