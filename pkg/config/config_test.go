package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/config"
	"github.com/mizan-labs/idis/pkg/domain"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"IDIS_PORT", "IDIS_LOG_LEVEL", "IDIS_ENV",
		"IDIS_DATABASE_URL", "IDIS_DATABASE_ADMIN_URL",
		"IDIS_API_KEYS_JSON", "IDIS_AUDIT_LOG_PATH",
		"IDIS_BREAK_GLASS_SECRET", "IDIS_SERVICE_REGION",
		"IDIS_PROFILE_PATH", "IDIS_OTEL_ENABLED", "IDIS_REQUIRE_OTEL",
		"NEO4J_URI", "NEO4J_USERNAME", "NEO4J_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.LiteMode(), "no database URL means lite mode")
	assert.False(t, cfg.Production())
	assert.False(t, cfg.BreakGlassEnabled(), "break-glass stays off without a secret")
	assert.False(t, cfg.GraphConfigured())
	assert.Empty(t, cfg.ServiceRegion)
}

func TestLoadReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("IDIS_PORT", "9090")
	t.Setenv("IDIS_DATABASE_URL", "postgres://idis@localhost:5432/idis")
	t.Setenv("IDIS_SERVICE_REGION", " eu-west-1 ")
	t.Setenv("IDIS_BREAK_GLASS_SECRET", "s3cret")
	t.Setenv("IDIS_OTEL_ENABLED", "true")
	t.Setenv("NEO4J_URI", "bolt://localhost:7687")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "eu-west-1", cfg.ServiceRegion, "region is trimmed")
	assert.True(t, cfg.BreakGlassEnabled())
	assert.True(t, cfg.OTELEnabled)
	assert.True(t, cfg.GraphConfigured())
}

func TestValidateDevelopmentAllowsDegraded(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()
	require.NoError(t, cfg.Validate())
}

func TestValidateProductionRequiresSecuritySettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("IDIS_ENV", "production")

	cfg := config.Load()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDIS_DATABASE_URL")
	assert.Contains(t, err.Error(), "IDIS_SERVICE_REGION")
	assert.Contains(t, err.Error(), "IDIS_BREAK_GLASS_SECRET")

	t.Setenv("IDIS_DATABASE_URL", "postgres://idis@db/idis")
	t.Setenv("IDIS_API_KEYS_JSON", `{"key":{"tenant_id":"t1"}}`)
	t.Setenv("IDIS_AUDIT_LOG_PATH", "/var/log/idis/audit.jsonl")
	t.Setenv("IDIS_SERVICE_REGION", "us-east-1")
	t.Setenv("IDIS_BREAK_GLASS_SECRET", "s3cret")

	require.NoError(t, config.Load().Validate())
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
name: EU production
region: eu-west-1
retention:
  - class: DELIVERABLES
    days: 3650
attribute_policies:
  - 'operation == "OpDealDelete" && !("ADMIN" in actor.roles)'
rate_limit:
  rps: 10
  burst: 20
artifacts:
  backend: s3
`)

	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", p.Region)
	assert.Len(t, p.AttributePolicies, 1)
	assert.True(t, p.RateLimit.Enabled())
	assert.Equal(t, "s3", p.Artifacts.Backend)

	policies := p.RetentionPolicies()
	assert.Equal(t, 3650, policies[domain.RetainDeliverables].Days)
	// Untouched classes keep their defaults.
	assert.Equal(t, domain.DefaultRetentionDays, policies[domain.RetainAuditEvents].Days)
	assert.Equal(t, 0, policies[domain.RetainRawDocuments].Days)
	// Deletability never comes from the profile.
	assert.False(t, policies[domain.RetainAuditEvents].HardDeleteAllowed)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := config.LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadProfileRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing region",
			body: "name: x\n",
			want: "region is required",
		},
		{
			name: "unknown retention class",
			body: "region: us-east-1\nretention:\n  - class: SCRATCH\n    days: 1\n",
			want: "unknown retention class",
		},
		{
			name: "audit retention shortened",
			body: "region: us-east-1\nretention:\n  - class: AUDIT_EVENTS\n    days: 30\n",
			want: "regulatory minimum",
		},
		{
			name: "duplicate retention class",
			body: "region: us-east-1\nretention:\n  - class: DELIVERABLES\n    days: 3000\n  - class: DELIVERABLES\n    days: 4000\n",
			want: "duplicate retention class",
		},
		{
			name: "rps without burst",
			body: "region: us-east-1\nrate_limit:\n  rps: 5\n",
			want: "burst is required",
		},
		{
			name: "unknown artifact backend",
			body: "region: us-east-1\nartifacts:\n  backend: tape\n",
			want: "unknown artifact backend",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadProfile(writeProfile(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestVerifyRegion(t *testing.T) {
	p := &config.Profile{Region: "eu-west-1"}

	require.NoError(t, p.VerifyRegion("eu-west-1"))

	err := p.VerifyRegion("us-east-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts")

	err = p.VerifyRegion("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDIS_SERVICE_REGION is unset")
}
