package api

import "net/http"

// corsPolicy emits cross-origin headers only for origins on an explicit
// allow-list. An empty list means no CORS headers at all; misconfigured
// entries simply never match. Fail closed, never crash.
type corsPolicy struct {
	origins []string
}

func newCORSPolicy(origins []string) corsPolicy {
	trimmed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o != "" {
			trimmed = append(trimmed, o)
		}
	}
	return corsPolicy{origins: trimmed}
}

// apply writes the CORS headers for a matching origin and short-circuits
// OPTIONS preflights with 204. Returns true when the request was fully
// handled and must not reach its handler.
func (c corsPolicy) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c.allowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.Header().Set("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (c corsPolicy) allowed(origin string) bool {
	if origin == "" || len(c.origins) == 0 {
		return false
	}
	for _, o := range c.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
