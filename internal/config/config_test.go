package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.UsePGJournal)
	assert.False(t, cfg.MultiTenantMode)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 2*time.Second, cfg.CallLockTimeout)
	assert.Equal(t, 3, cfg.SlotProposalLimit)
	assert.Equal(t, "fr", cfg.DefaultLanguage)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MULTI_TENANT_MODE", "true")
	t.Setenv("SESSION_TTL", "5m")
	t.Setenv("SUSPENSION_GRACE_DAYS", "14")
	t.Setenv("EMAIL_PROVIDER", " SES ")

	cfg := Load()

	assert.True(t, cfg.MultiTenantMode)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 14, cfg.SuspensionGraceDays)
	assert.Equal(t, "ses", cfg.EmailProvider)
}

func TestLoadCORSOriginList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	cfg := Load()
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestGetEnvAsDurationInvalid(t *testing.T) {
	t.Setenv("CALL_LOCK_TIMEOUT", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 2*time.Second, cfg.CallLockTimeout)
}
