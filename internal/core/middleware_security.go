package core

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"breathofnow/internal/types"
)

// SecurityHeadersMiddleware sets standard security response headers on all
// API responses.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware configures CORS for the PWA origins. Preflight requests
// are answered with 204 without reaching authentication.
//
// A "*" entry allows every origin, in which case credentials are not
// advertised.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			var allowedOrigin string
			if allowAll {
				allowedOrigin = "*"
			} else if origin != "" {
				if _, ok := originSet[origin]; ok {
					allowedOrigin = origin
				}
			}

			if allowedOrigin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowedOrigin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
				h.Set("Access-Control-Max-Age", "86400")
				if allowedOrigin != "*" {
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// countryHeaders are the CDN geolocation headers, in order of preference.
var countryHeaders = []string{
	"CF-IPCountry",
	"CloudFront-Viewer-Country",
	"X-Vercel-IP-Country",
}

// ClientCountryMiddleware copies the first valid CDN country header into the
// request context. Cloudflare's "XX" (unknown) and "T1" (Tor) are ignored.
func ClientCountryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, name := range countryHeaders {
			if cc := normalizeCountryHeader(r.Header.Get(name)); cc != "" {
				r = r.WithContext(types.WithClientCountry(r.Context(), cc))
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeCountryHeader(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 2 || v == "XX" || v == "T1" {
		return ""
	}
	for i := 0; i < 2; i++ {
		if v[i] < 'A' || v[i] > 'Z' {
			return ""
		}
	}
	return v
}

// ClientIPMiddleware resolves the caller's address once per request.
// trustedHops is the number of proxies in front of the service that append
// to X-Forwarded-For. Only the entry written by the outermost of them is
// used; anything to its left is supplied by the client and ignored. With
// zero hops the header is not consulted at all.
func ClientIPMiddleware(trustedHops int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, ok := forwardedFor(r, trustedHops)
			if !ok {
				addr = remoteAddr(r)
			}
			next.ServeHTTP(w, r.WithContext(types.WithClientIP(r.Context(), addr)))
		})
	}
}

// ClientIP returns the address resolved by ClientIPMiddleware, or the
// connection's RemoteAddr outside that middleware. The zero Addr means
// unparseable.
func ClientIP(r *http.Request) netip.Addr {
	if addr, ok := types.GetClientIP(r.Context()); ok {
		return addr
	}
	return remoteAddr(r)
}

func forwardedFor(r *http.Request, trustedHops int) (netip.Addr, bool) {
	if trustedHops <= 0 {
		return netip.Addr{}, false
	}
	var entries []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				entries = append(entries, part)
			}
		}
	}
	if len(entries) == 0 {
		return netip.Addr{}, false
	}
	// A chain shorter than trustedHops was written entirely by our proxies.
	addr, err := netip.ParseAddr(entries[max(len(entries)-trustedHops, 0)])
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func remoteAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may not have a port (e.g., in tests).
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
