package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address used as the rate limit key.
// With trustProxy set, the first X-Forwarded-For hop wins, then X-Real-IP;
// otherwise only the connection's remote address is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return normalizeIP(first)
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return normalizeIP(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return normalizeIP(host)
}

func normalizeIP(ip string) string {
	ip = strings.Trim(ip, "[]")
	if ip == "::1" {
		return "127.0.0.1"
	}
	return ip
}
