package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Deepreo/jobs/config"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("JOBS_AUTH_SECRET_KEY", "0123456789abcdef0123456789abcdef")

	var settings map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(execute(t, "config")), &settings))

	repo, ok := settings["repository"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "memory", repo["driver"])

	authSettings, ok := settings["auth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "******", authSettings["secret_key"])
}

func TestTokenCommand(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("JOBS_AUTH_SECRET_KEY", secret)

	token := strings.TrimSpace(execute(t, "token", "--subject", "ops", "--scope", "jobs:write,jobs:manage"))
	require.NotEmpty(t, token)

	cfg, err := config.Load("")
	require.NoError(t, err)
	provider, err := auth.NewTokenProvider(cfg.Auth)
	require.NoError(t, err)
	claims, err := provider.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasScope("jobs:manage"))
}
