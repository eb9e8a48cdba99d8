package mw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
	"github.com/vango-go/demo-copilot/pkg/gateway/auth"
	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/gateway/ratelimit"
	"github.com/vango-go/demo-copilot/pkg/metrics"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(PrincipalKey(r, cfg), time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit("request")
			reqID, _ := RequestIDFrom(r.Context())
			ce := &core.Error{
				Kind:      core.KindRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				ce.RetryAfter = &v
			}
			apierror.WriteError(w, http.StatusTooManyRequests, ce)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

// PrincipalKey identifies the caller for limiting: the hashed API key when
// authenticated, otherwise the client IP.
func PrincipalKey(r *http.Request, cfg config.Config) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	if ip := ClientIP(r, cfg.TrustProxyHeaders); ip != "" {
		return ratelimit.PrincipalKeyFromIP(ip)
	}
	return "anonymous"
}

// ClientIP resolves the caller address. Forwarding headers are honored only
// when the server sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
			// left-most entry is the original client
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
