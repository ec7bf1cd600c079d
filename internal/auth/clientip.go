package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

// ParsePrefixes parses CIDR ranges. A bare address is a single-host range.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("parse cidr %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", v, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

func containsAddr(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IPResolver determines the client address of a request. X-Forwarded-For
// is honored only when the direct peer is a trusted proxy.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver creates a resolver trusting the given proxy ranges.
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	trusted, err := ParsePrefixes(trustedProxies)
	if err != nil {
		return nil, err
	}
	return &IPResolver{trusted: trusted}, nil
}

// Resolve returns the client address for r.
func (ir *IPResolver) Resolve(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if len(ir.trusted) == 0 || !containsAddr(ir.trusted, peer) {
		return peer
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if first = strings.TrimSpace(first); first == "" {
		return peer
	}
	return first
}

// Middleware stores the resolved client address in the request context.
func (ir *IPResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ir.Resolve(r))))
	})
}

// Allowlist rejects clients outside the configured ranges. An empty list
// admits everyone.
type Allowlist struct {
	allowed []netip.Prefix
}

// NewAllowlist parses the allowed ranges.
func NewAllowlist(cidrs []string) (*Allowlist, error) {
	allowed, err := ParsePrefixes(cidrs)
	if err != nil {
		return nil, err
	}
	return &Allowlist{allowed: allowed}, nil
}

// Allows reports whether ip may connect.
func (a *Allowlist) Allows(ip string) bool {
	return len(a.allowed) == 0 || containsAddr(a.allowed, ip)
}

// Middleware rejects requests whose client address, as stored by
// IPResolver.Middleware, is not allowed.
func (a *Allowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r.Context())
		if !a.Allows(ip) {
			metrics.RecordAuthFailure("ip_not_allowed")
			logging.WithContext(r.Context()).Warn("security: client address not allowed",
				zap.String("ip", ip),
				zap.String("path", r.URL.Path))
			sendAuthError(w, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}
