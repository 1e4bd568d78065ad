package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "https://actions.example.com")
	t.Setenv("PLATFORM_CLIENT_ID", "client-1")
	t.Setenv("PLATFORM_CLIENT_SECRET", "hush")
	t.Setenv("JWT_SECRET", "ops-secret")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "triops", cfg.OutputFieldPrefix)
	assert.Equal(t, "file", cfg.ArtifactBackend)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 10*time.Second, cfg.DefaultWebhookTimeout)
	assert.Equal(t, 5*time.Second, cfg.DefaultCodeTimeout)
	assert.Len(t, cfg.EncryptionKey, 32)
	assert.False(t, cfg.AllowUnsigned)
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{"base url", "BASE_URL"},
		{"client secret", "PLATFORM_CLIENT_SECRET"},
		{"jwt secret", "JWT_SECRET"},
		{"encryption key", "ENCRYPTION_KEY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.unset, "")

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_KEY", "abcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoadRejectsNonHexEncryptionKey(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("zz", 32))

	_, err := Load()
	assert.Error(t, err)
}

func TestUnsafeFlagsRefusedInProduction(t *testing.T) {
	for _, flag := range []string{"ALLOW_UNSIGNED_REQUESTS", "ALLOW_PRIVATE_NETWORKS"} {
		t.Run(flag, func(t *testing.T) {
			setRequired(t)
			t.Setenv("ENVIRONMENT", "production")
			t.Setenv(flag, "true")

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestUnsafeFlagsAllowedInDevelopment(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("ALLOW_UNSIGNED_REQUESTS", "true")
	t.Setenv("ALLOW_PRIVATE_NETWORKS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AllowUnsigned)
	assert.True(t, cfg.AllowPrivateNetworks)
}

func TestBucketRequiredForRemoteBackends(t *testing.T) {
	setRequired(t)
	t.Setenv("ARTIFACT_BACKEND", "s3")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("ARTIFACT_BUCKET", "triops-artifacts")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.ArtifactBackend)
}

func TestTimeoutEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEFAULT_WEBHOOK_TIMEOUT_MS", "2500")
	t.Setenv("DEFAULT_CODE_TIMEOUT_MS", "garbage")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.DefaultWebhookTimeout)
	assert.Equal(t, 5*time.Second, cfg.DefaultCodeTimeout)
}

func TestLimitsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
execution:
  webhook_timeout_ms: 4000
  max_snippets: 10
networking:
  denied_hosts:
    - metadata.internal
`), 0o600))

	p, err := LoadLimitsProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Name)
	assert.Equal(t, []string{"metadata.internal"}, p.Networking.DeniedHosts)

	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	p.Apply(cfg)
	assert.Equal(t, 4*time.Second, cfg.DefaultWebhookTimeout)
	assert.Equal(t, 5*time.Second, cfg.DefaultCodeTimeout)
	assert.Equal(t, 10, cfg.MaxSnippets)
	assert.Equal(t, 50, cfg.MaxSecrets)
}

func TestLimitsProfileMissingFile(t *testing.T) {
	_, err := LoadLimitsProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
