package auth

import (
	"errors"
	"time"
)

// Config controls bearer authentication of the REST surface.
type Config struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled"`
	SecretKey       string        `mapstructure:"secret_key" json:"-"`
	Issuer          string        `mapstructure:"issuer" json:"issuer"`
	TokenExpiration time.Duration `mapstructure:"token_expiration" json:"token_expiration"`
	Leeway          time.Duration `mapstructure:"leeway" json:"leeway"`
}

// DefaultConfig, auth kapalı varsayılan konfigürasyon
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Issuer:          "jobs-service",
		TokenExpiration: time.Hour,
		Leeway:          5 * time.Second,
	}
}

// Validate checks the configuration only when authentication is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SecretKey == "" {
		return errors.New("JWT secret key cannot be empty")
	}
	if len(c.SecretKey) < 32 {
		return errors.New("JWT secret key must be at least 32 characters")
	}
	if c.TokenExpiration <= 0 {
		return errors.New("token expiration must be positive")
	}
	if c.Leeway < 0 {
		return errors.New("leeway cannot be negative")
	}
	return nil
}
