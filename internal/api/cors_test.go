package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(policy corsPolicy, method, origin string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, "/api/status", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	policy.apply(w, r)
	return w
}

func TestCORSEmptyAllowListEmitsNothing(t *testing.T) {
	policy := newCORSPolicy(nil)
	w := corsRequest(policy, http.MethodGet, "https://a")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers, got origin %q", got)
	}
}

func TestCORSAllowedOriginGetsHeaders(t *testing.T) {
	policy := newCORSPolicy([]string{"https://a"})

	w := corsRequest(policy, http.MethodGet, "https://a")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://a" {
		t.Fatalf("allow-origin = %q, want https://a", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("allow-methods missing")
	}
	if w.Header().Get("Access-Control-Max-Age") == "" {
		t.Fatalf("max-age missing")
	}

	w = corsRequest(policy, http.MethodGet, "https://b")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin received headers: %q", got)
	}
}

func TestCORSWildcardMatchesAnyOrigin(t *testing.T) {
	policy := newCORSPolicy([]string{"*"})
	w := corsRequest(policy, http.MethodGet, "https://anything.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	policy := newCORSPolicy([]string{"https://a"})
	r := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	r.Header.Set("Origin", "https://a")
	w := httptest.NewRecorder()
	if handled := policy.apply(w, r); !handled {
		t.Fatalf("preflight must be fully handled")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://a" {
		t.Fatalf("preflight allow-origin = %q", got)
	}
}

func TestCORSNoOriginHeaderEmitsNothing(t *testing.T) {
	policy := newCORSPolicy([]string{"https://a"})
	w := corsRequest(policy, http.MethodGet, "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("request without Origin received headers: %q", got)
	}
}

func TestCORSMalformedEntriesDegradeClosed(t *testing.T) {
	policy := newCORSPolicy([]string{"", "   not a url   "})
	w := corsRequest(policy, http.MethodGet, "https://a")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("malformed allow-list must mean no headers, got %q", got)
	}
}
