package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10, cfg.Agent.MaxRounds)
	assert.Equal(t, 20, cfg.Agent.MaxHistory)
	assert.Equal(t, 50, cfg.Tools.MaxBatch)
	assert.Equal(t, 20, cfg.Tools.QueryDefaultLimit)
	assert.Equal(t, 50, cfg.Tools.QueryMaxLimit)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.True(t, cfg.AllowAnonymous)
	assert.False(t, cfg.TrustUserHeader)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("LLM_TIMEOUT", "30s")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("AGENT_PARALLEL_TOOLS", "off")
	t.Setenv("TRUST_USER_HEADER", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.AIEnabled())
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.InDelta(t, 2.5, cfg.RateLimit.RPS, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.False(t, cfg.Agent.ParallelTools)
	assert.True(t, cfg.TrustUserHeader)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LLM_TIMEOUT", "soon")
	t.Setenv("AGENT_MAX_ROUNDS", "ten")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 10, cfg.Agent.MaxRounds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"zero rounds", func(c *Config) { c.Agent.MaxRounds = 0 }},
		{"query default above max", func(c *Config) { c.Tools.QueryDefaultLimit = 80 }},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }},
		{"no burst", func(c *Config) { c.RateLimit.Burst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
