package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WORKETL_SOURCE_ACCOUNT", "WORKETL_SOURCE_AUTHENTICATOR", "WORKETL_SOURCE_PASSWORD",
		"WORKETL_SOURCE_TOKEN", "WORKETL_SINK_HOST", "WORKETL_SINK_PORT", "WORKETL_SINK_DATABASE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadFailsFastOnMissingAccount(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source account")
}

func TestLoadValidatesPasswordAuthenticator(t *testing.T) {
	clearEnv(t)
	os.Setenv("WORKETL_SOURCE_ACCOUNT", "acct1")
	os.Setenv("WORKETL_SOURCE_AUTHENTICATOR", "password")
	os.Setenv("WORKETL_SINK_HOST", "db.internal")
	os.Setenv("WORKETL_SINK_PORT", "5432")
	os.Setenv("WORKETL_SINK_DATABASE", "worketl")
	defer clearEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Inconsistent source credentials")

	os.Setenv("WORKETL_SOURCE_PASSWORD", "secret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "acct1", cfg.Source.Account)
	assert.Equal(t, 5432, cfg.Sink.Port)
	assert.Equal(t, BudgetHardGate, cfg.AI.BudgetPolicy, "default budget policy is hard_gate per spec")
}

func TestDefaultsMatchSpec(t *testing.T) {
	d := Default()
	assert.Equal(t, 1000, d.ETL.BatchSize)
	assert.Equal(t, 3, d.ETL.MaxRetries)
	assert.Equal(t, 30, d.ETL.DeadLetterRetentionDays)
	assert.Equal(t, BudgetHardGate, d.AI.BudgetPolicy)
}
