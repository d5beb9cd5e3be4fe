package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost/db")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ATOMIC_UNITS", "")
	t.Setenv("SAGA_REPORT_INTERVAL", "")
	t.Setenv("SAGA_STALE_AFTER", "")
	t.Setenv("AUDIT_BUFFER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.AtomicUnits)
	assert.Equal(t, time.Minute, cfg.SagaReportInterval)
	assert.Equal(t, 5*time.Minute, cfg.SagaStaleAfter)
	assert.Equal(t, 1024, cfg.AuditBuffer)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost/db")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ATOMIC_UNITS", "false")
	t.Setenv("SAGA_STALE_AFTER", "30s")
	t.Setenv("AUDIT_BUFFER", "16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.AtomicUnits)
	assert.Equal(t, 30*time.Second, cfg.SagaStaleAfter)
	assert.Equal(t, 16, cfg.AuditBuffer)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost/db")

	t.Setenv("ATOMIC_UNITS", "maybe")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ATOMIC_UNITS", "true")
	t.Setenv("SAGA_REPORT_INTERVAL", "-1s")
	_, err = Load()
	assert.Error(t, err)
}
