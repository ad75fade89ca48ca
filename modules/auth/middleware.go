package auth

import (
	"context"

	"github.com/Deepreo/jobs/core"
)

// Middleware verifies the bearer token the server put in the context and attaches its claims.
func Middleware(provider *TokenProvider) core.Middleware {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			claims, err := provider.Verify(TokenFromContext(ctx))
			if err != nil {
				return nil, err
			}
			return next(WithClaims(ctx, claims), req)
		}
	}
}

// Require only lets callers whose token grants scope reach handler.
func Require[R core.Request, Res core.Response](scope string, handler core.HandlerInterface[R, Res]) core.HandlerInterface[R, Res] {
	return core.HandlerInterfaceFunc[R, Res](func(ctx context.Context, req R) (Res, error) {
		claims, ok := ClaimsFromContext(ctx)
		if !ok {
			var zero Res
			return zero, ErrMissingToken
		}
		if !claims.HasScope(scope) {
			var zero Res
			return zero, ErrScopeRequired
		}
		return handler.Handle(ctx, req)
	})
}
