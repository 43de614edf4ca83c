package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("QB_USERNAME", "user@example.com")
	t.Setenv("QB_PASSWORD", "hunter2")
	t.Setenv("QUICKBASE_REALM", "acme")
	t.Setenv("QUICKBASE_TOKEN", "token")
	t.Setenv("ACCOUNTS_TABLE_ID", "bqtbl1")
	t.Setenv("TRANSACTIONS_TABLE_ID", "bqtbl2")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.QuickbaseRealm)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 11*time.Minute, cfg.CodeWait)
	assert.Equal(t, 90*time.Second, cfg.CodeGrace)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.BalancesTableID)
	assert.False(t, cfg.AlertsConfigured())
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("QUICKBASE_TOKEN", "")
	t.Setenv("QB_PASSWORD", "")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUICKBASE_TOKEN")
	assert.Contains(t, err.Error(), "QB_PASSWORD")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HEADLESS", "false")
	t.Setenv("CODE_WAIT", "5m")
	t.Setenv("SESSION_BUCKET", "qb-sessions")
	t.Setenv("PORT", "9090")

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 5*time.Minute, cfg.CodeWait)
	assert.Equal(t, "qb-sessions", cfg.SessionBucket)
	assert.Equal(t, "9090", cfg.Port)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("CODE_WAIT", "not-a-duration")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 11*time.Minute, cfg.CodeWait)
}

func TestAlertsConfigured(t *testing.T) {
	setRequired(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM", "+15550001111")
	t.Setenv("ALERT_TO", "+15552223333")

	cfg, err := Load()

	require.NoError(t, err)
	assert.True(t, cfg.AlertsConfigured())
}
