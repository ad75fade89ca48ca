package auth

import (
	"slices"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken  = errors.AuthError(errors.New("missing bearer token"))
	ErrInvalidToken  = errors.AuthError(errors.New("invalid token"))
	ErrScopeRequired = errors.PermissionError(errors.New("insufficient scope"))
)

// Claims, JWT token'ında saklanan claim'ler
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenProvider issues and verifies HS256 bearer tokens.
type TokenProvider struct {
	secretKey  []byte
	issuer     string
	expiration time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// NewTokenProvider validates cfg and builds a provider from it.
func NewTokenProvider(cfg Config) (*TokenProvider, error) {
	if cfg.SecretKey == "" || len(cfg.SecretKey) < 32 {
		return nil, errors.AppError(errors.New("JWT secret key must be at least 32 characters"))
	}
	expiration := cfg.TokenExpiration
	if expiration <= 0 {
		expiration = DefaultConfig().TokenExpiration
	}
	return &TokenProvider{
		secretKey:  []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		expiration: expiration,
		leeway:     cfg.Leeway,
		now:        time.Now,
	}, nil
}

// Issue signs a token for subject. A zero ttl uses the configured expiration.
func (p *TokenProvider) Issue(subject string, ttl time.Duration, scopes ...string) (string, error) {
	if ttl <= 0 {
		ttl = p.expiration
	}
	now := p.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secretKey)
	if err != nil {
		return "", errors.AppError(err)
	}
	return signed, nil
}

// Verify parses a raw token and checks its signature, issuer and validity window.
func (p *TokenProvider) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(p.leeway),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return p.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, errors.AuthError(errors.Errorf("invalid token: %w", err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
