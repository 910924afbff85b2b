package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, originHost, ok := normalizeOriginHeader(originHeader)
		if !ok || !originAllowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Only send CORS headers when the browser sends an Origin header. Same-origin
		// requests don't require them, but setting them is harmless and makes it
		// possible to run the frontend on a separate origin during development.
		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Basic preflight support for browser clients. The per-route handler doesn't
		// need to run for preflight.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// normalizeOriginHeader canonicalizes an Origin header value to
// scheme://host[:port] with lowercase scheme and host. It returns the
// normalized origin, the host (with port), and whether the value parsed.
func normalizeOriginHeader(raw string) (normalized, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	if u.Host == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	host = strings.ToLower(u.Host)
	return scheme + "://" + host, host, true
}

// originAllowed implements the allowlist policy: an explicit entry or "*"
// wins; with no allowlist configured, only same-host browsers are accepted.
func originAllowed(normalizedOrigin, originHost, requestHost string, allowlist []string) bool {
	for _, allowed := range allowlist {
		if allowed == "*" || allowed == normalizedOrigin {
			return true
		}
	}
	if len(allowlist) == 0 {
		return strings.EqualFold(originHost, requestHost)
	}
	return false
}
