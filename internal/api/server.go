// Package api is the control plane's HTTP surface and the request gate
// in front of it: rate limiting, token verification, CORS, and the
// realtime stream upgrade.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quarterdeck/internal/auth"
	"quarterdeck/internal/ledger"
	"quarterdeck/internal/pairing"

	"github.com/google/uuid"
)

const serverVersion = "0.3.0"

const streamPath = "/ws"

type routeKey struct {
	method string
	path   string
}

// exemptRoutes bypass token verification: the landing page, login, and
// the first-run setup endpoints. The stream path is exempt here too but
// authenticates out-of-band via its query token, since browsers cannot
// attach headers to upgrade requests.
var exemptRoutes = map[routeKey]struct{}{
	{http.MethodGet, "/"}:           {},
	{http.MethodPost, "/login"}:     {},
	{http.MethodGet, "/api/setup"}:  {},
	{http.MethodPost, "/api/setup"}: {},
}

type Server struct {
	httpServer *http.Server
	store      *ledger.Store
	tokens     *auth.Tokens
	security   SecurityConfig
	cors       corsPolicy

	loginLimiter *slidingLimiter
	apiLimiter   *slidingLimiter

	hub         *streamHub
	fingerprint string
	publicHost  string
	publicPort  int
	tlsEnabled  bool
	startedAt   time.Time
	now         func() time.Time
}

// New assembles the server. The limiters are constructed here and owned
// by the instance; there is no process-global limiter state.
func New(addr string, store *ledger.Store, tokens *auth.Tokens, securityCfg ...SecurityConfig) *Server {
	cfg := defaultSecurityConfig()
	if len(securityCfg) > 0 {
		cfg = normalizeSecurityConfig(securityCfg[0])
	}
	s := &Server{
		store:        store,
		tokens:       tokens,
		security:     cfg,
		cors:         newCORSPolicy(cfg.AllowedOrigins),
		loginLimiter: newSlidingLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow),
		apiLimiter:   newSlidingLimiter(cfg.APIRateLimit, cfg.APIRateWindow),
		hub:          newStreamHub(),
		startedAt:    time.Now().UTC(),
		now:          time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleLanding)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/api/setup", s.handleSetup)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/pair", s.handlePair)
	mux.HandleFunc(streamPath, s.handleStream)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.gate(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetIdentity records the TLS fingerprint and advertised address used by
// the status and pairing endpoints.
func (s *Server) SetIdentity(fingerprint, host string, port int, tlsEnabled bool) {
	s.fingerprint = fingerprint
	s.publicHost = host
	s.publicPort = port
	s.tlsEnabled = tlsEnabled
}

func (s *Server) Start() error {
	log.Printf("control plane listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// StartTLS serves with the provisioned certificate config. A nil config
// is an error; there is no silent downgrade to plaintext.
func (s *Server) StartTLS(tlsCfg *tls.Config) error {
	if tlsCfg == nil || len(tlsCfg.Certificates) == 0 {
		return errors.New("tls requested without certificate")
	}
	s.httpServer.TLSConfig = tlsCfg
	log.Printf("control plane listening on %s (tls)", s.httpServer.Addr)
	return s.httpServer.ListenAndServeTLS("", "")
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// gate is the per-request decision sequence, first match wins: rate
// limits, then route exemptions, then token verification. CORS runs
// before everything so even rejected responses carry the right headers.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cors.apply(w, r) {
			return
		}
		key := clientKey(r)
		now := s.now().UTC()

		if r.Method == http.MethodPost && r.URL.Path == "/login" {
			// The login call establishes the credential, so it gets
			// the stricter limiter instead of a token check.
			if !s.loginLimiter.Allow(key, now) {
				s.rejectRateLimited(w, r, s.loginLimiter, key, now)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") {
			if !s.apiLimiter.Allow(key, now) {
				s.rejectRateLimited(w, r, s.apiLimiter, key, now)
				return
			}
		}

		if _, ok := exemptRoutes[routeKey{r.Method, r.URL.Path}]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == streamPath {
			next.ServeHTTP(w, r)
			return
		}

		if !s.authorize(r) {
			s.auditf(r, "auth_failed", "missing or invalid credentials")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize applies the acceptance rule to the request's bearer
// credential. Which specific check failed is never surfaced.
func (s *Server) authorize(r *http.Request) bool {
	return s.acceptToken(r.Context(), extractToken(r))
}

func (s *Server) acceptToken(ctx context.Context, candidate string) bool {
	if candidate == "" {
		return false
	}
	cred, err := s.store.GetCredential(ctx)
	if err != nil {
		return false
	}
	return s.tokens.Accept(candidate, cred.PasswordHash, cred.SigningSecret, s.security.AllowLegacyToken)
}

// extractToken reads the credential from the Authorization header, or
// from the token query parameter for clients that cannot set headers.
func extractToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// clientKey is the transport peer address. X-Forwarded-For is
// deliberately ignored: this is a LAN-trust deployment and the header
// is trivially spoofed.
func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return host
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, r *http.Request, l *slidingLimiter, key string, now time.Time) {
	retry := l.RetryAfter(key, now)
	secs := int((retry + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	s.auditf(r, "rate_limited", "retry_after="+strconv.Itoa(secs))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{
			"code":    "rate_limited",
			"message": "too many requests",
		},
	})
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, landingPage)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "password is required"})
		return
	}

	cred, err := s.store.GetCredential(r.Context())
	switch {
	case errors.Is(err, ledger.ErrNoCredential):
		cred, err = s.bootstrapCredential(r.Context(), req.Password)
		if err != nil {
			s.auditf(r, "bootstrap_failed", "credential bootstrap error")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "setup failed"})
			return
		}
		s.auditf(r, "credential_created", "first login bootstrap")
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential lookup failed"})
		return
	default:
		if !auth.PasswordMatches(req.Password, cred.PasswordHash) {
			s.auditf(r, "login_failed", "bad password")
			writeUnauthorized(w)
			return
		}
	}

	token, expires, err := s.tokens.Issue(cred.PasswordHash, cred.SigningSecret, s.security.TokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "token issue failed"})
		return
	}
	s.auditf(r, "login_ok", "session token issued")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"expires": expires.Unix(),
	})
}

// bootstrapCredential persists the credential created by the very first
// login. A concurrent first login can win the insert; in that case the
// stored credential is authoritative and this password must match it.
func (s *Server) bootstrapCredential(ctx context.Context, password string) (ledger.CredentialRecord, error) {
	secret, err := auth.NewSigningSecret()
	if err != nil {
		return ledger.CredentialRecord{}, err
	}
	rec := ledger.CredentialRecord{
		PasswordHash:  auth.HashPassword(password),
		SigningSecret: secret,
		CreatedAt:     s.now().UTC(),
	}
	err = s.store.SetCredential(ctx, rec)
	if errors.Is(err, ledger.ErrCredentialExists) {
		stored, getErr := s.store.GetCredential(ctx)
		if getErr != nil {
			return ledger.CredentialRecord{}, getErr
		}
		if !auth.PasswordMatches(password, stored.PasswordHash) {
			return ledger.CredentialRecord{}, errors.New("credential already configured")
		}
		return stored, nil
	}
	if err != nil {
		return ledger.CredentialRecord{}, err
	}
	return rec, nil
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_, err := s.store.GetCredential(r.Context())
		configured := err == nil
		writeJSON(w, http.StatusOK, map[string]any{"configured": configured})
	case http.MethodPost:
		// First-run UI alias for login bootstrap.
		s.handleLoginViaSetup(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleLoginViaSetup(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "password is required"})
		return
	}
	if _, err := s.store.GetCredential(r.Context()); err == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "already configured"})
		return
	}
	cred, err := s.bootstrapCredential(r.Context(), req.Password)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	token, expires, err := s.tokens.Issue(cred.PasswordHash, cred.SigningSecret, s.security.TokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "token issue failed"})
		return
	}
	s.auditf(r, "credential_created", "setup bootstrap")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"expires": expires.Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"version":        serverVersion,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"tls":            s.tlsEnabled,
		"fingerprint":    s.fingerprint,
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.store.ListChatMessages(r.Context(), s.security.ChatHistoryLimit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, m := range items {
			out = append(out, map[string]any{
				"id":         m.ID,
				"role":       m.Role,
				"body":       m.Body,
				"created_at": m.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	case http.MethodPost:
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
			return
		}
		rec := ledger.ChatMessageRecord{
			ID:        uuid.NewString(),
			Role:      "operator",
			Body:      req.Message,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.AppendChatMessage(r.Context(), rec); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "store message failed"})
			return
		}
		s.hub.broadcast(streamEvent{
			Type: "chat",
			Payload: map[string]any{
				"id":   rec.ID,
				"role": rec.Role,
				"body": rec.Body,
			},
			TS: rec.CreatedAt,
		})
		writeJSON(w, http.StatusCreated, map[string]any{"id": rec.ID, "created_at": rec.CreatedAt})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.GetSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "settings unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	case http.MethodPut:
		var values map[string]string
		if err := json.NewDecoder(r.Body).Decode(&values); err != nil || len(values) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "settings object required"})
			return
		}
		if err := s.store.PutSettings(r.Context(), values, s.now()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "settings update failed"})
			return
		}
		s.hub.broadcast(streamEvent{Type: "config", Payload: map[string]any{"updated": len(values)}, TS: s.now().UTC()})
		writeJSON(w, http.StatusOK, map[string]any{"updated": len(values)})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

// handlePair serves the QR pairing image, or the raw JSON payload when
// image rendering fails.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	host := s.publicHost
	if host == "" {
		if h, _, err := net.SplitHostPort(r.Host); err == nil && h != "" {
			host = h
		} else {
			host = r.Host
		}
	}
	payload := pairing.NewPayload(host, s.publicPort, s.fingerprint)
	png, err := payload.PNG()
	if err != nil {
		data, jerr := payload.JSON()
		if jerr != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "pairing payload failed"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) auditf(r *http.Request, event, detail string) {
	log.Printf(
		"audit event=%s ip=%s method=%s path=%s detail=%q",
		event, clientKey(r), r.Method, r.URL.Path, detail,
	)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": map[string]any{
			"code":    "unauthorized",
			"message": "missing or invalid credentials",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}

const landingPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Quarterdeck</title></head>
<body>
<h1>Quarterdeck</h1>
<p>Administrative control plane. Sign in to continue.</p>
</body>
</html>
`
