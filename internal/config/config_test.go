package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 10_000, cfg.MaxEvents)
	assert.Equal(t, 1000, cfg.MaxRequests)
	assert.Equal(t, 100*1024, cfg.MaxBodySize)
	assert.Equal(t, 50*1024*1024, cfg.MemoryLimitBytes)
	assert.True(t, cfg.CaptureBodies)
	assert.True(t, cfg.ConsoleCapture)
	assert.True(t, cfg.Compress)
	assert.NotEmpty(t, cfg.StateDir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PERCEPTR_PROJECT_ID", "proj-env")
	t.Setenv("PERCEPTR_ENVIRONMENT", "stg")
	t.Setenv("PERCEPTR_MAX_EVENTS", "42")
	t.Setenv("PERCEPTR_COMPRESS", "false")
	t.Setenv("PERCEPTR_IDLE_TIMEOUT", "30s")
	t.Setenv("PERCEPTR_EXCLUDE_URLS", `^https://internal\..*,/health$`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "proj-env", cfg.ProjectID)
	assert.Equal(t, "stg", cfg.Environment)
	assert.Equal(t, 42, cfg.MaxEvents)
	assert.False(t, cfg.Compress)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, []string{`^https://internal\..*`, `/health$`}, cfg.ExcludeURLs)
}

func TestLoad_MalformedValuesRejected(t *testing.T) {
	t.Setenv("PERCEPTR_MAX_EVENTS", "many")
	t.Setenv("PERCEPTR_COMPRESS", "yep")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERCEPTR_MAX_EVENTS")
	assert.Contains(t, err.Error(), "PERCEPTR_COMPRESS")
}

func TestValidate(t *testing.T) {
	valid := Config{
		ProjectID:        "p",
		Environment:      "prod",
		StateDir:         "/tmp/perceptr",
		MaxEvents:        1,
		MaxRequests:      1,
		MaxBodySize:      1,
		MemoryLimitBytes: 1,
	}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.ProjectID = ""
	require.Error(t, missing.Validate())

	badEnv := valid
	badEnv.Environment = "qa"
	require.Error(t, badEnv.Validate())

	negative := valid
	negative.IdleTimeout = -time.Second
	require.Error(t, negative.Validate())
}
