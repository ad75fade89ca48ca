package auth

import (
	"context"
	"strings"
)

type contextKey string

const (
	AuthTokenKey  contextKey = "auth_token"
	AuthClaimsKey contextKey = "auth_claims"
)

// WithToken, context'e Authorization header değerini ekler
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, AuthTokenKey, token)
}

// TokenFromContext returns the bearer token carried by ctx, without its scheme.
func TokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(AuthTokenKey).(string); ok {
		return ExtractTokenFromBearer(token)
	}
	return ""
}

// ExtractTokenFromBearer strips the "Bearer " scheme. Anything else yields an empty token.
func ExtractTokenFromBearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, AuthClaimsKey, claims)
}

// ClaimsFromContext returns the verified claims of the caller, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(AuthClaimsKey).(*Claims)
	return claims, ok && claims != nil
}
