package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfigDefaults(t *testing.T) {
	env := NewEnvConfig("FLOWENGINE_TEST")
	assert.Equal(t, "fallback", env.GetString("MISSING", "fallback"))
	assert.Equal(t, 42, env.GetInt("MISSING", 42))
	assert.True(t, env.GetBool("MISSING", true))
	assert.Equal(t, 5*time.Second, env.GetDuration("MISSING", 5*time.Second))
}

func TestEnvConfigReadsPrefixedValue(t *testing.T) {
	t.Setenv("FLOWENGINE_TEST_PORT", "9090")
	env := NewEnvConfig("FLOWENGINE_TEST")
	assert.Equal(t, 9090, env.GetInt("PORT", 8080))
}

func TestEnvConfigMustGetStringPanicsWhenUnset(t *testing.T) {
	os.Unsetenv("FLOWENGINE_TEST_REQUIRED")
	env := NewEnvConfig("FLOWENGINE_TEST")
	assert.Panics(t, func() { env.MustGetString("REQUIRED") })
}

func TestValidatorCollectsErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "")
	v.RequirePositiveInt("Port", -1)
	v.RequireOneOf("LogLevel", "verbose", []string{"debug", "info"})

	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 3)
	assert.Error(t, v.Validate())
}

func TestLoadProducesValidDefaults(t *testing.T) {
	cfg, err := Load("FLOWENGINE_LOADTEST")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Graph.Path)
	assert.Equal(t, "info", cfg.Service.LogLevel)
}
