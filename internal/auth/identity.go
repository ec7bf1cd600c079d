package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
)

type contextKey string

const (
	claimsContextKey   contextKey = "claims"
	clientIPContextKey contextKey = "client_ip"
)

// ActorID returns the authenticated actor, or "" when the request carried
// no verified identity.
func ActorID(ctx context.Context) string {
	if c := GetClaims(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// WithClientIP stores the resolved client address and tags the request
// logger with it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	logging.AddFields(ctx, zap.String("client_ip", ip))
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIP returns the resolved client address, or "" if unknown.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}
