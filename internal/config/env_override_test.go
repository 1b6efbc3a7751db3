package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("SUPABASE variables select the transport", func(t *testing.T) {
		t.Setenv("SUPABASE_URL", "wss://project.example/realtime")
		t.Setenv("SUPABASE_ANON_KEY", "anon")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, "wss://project.example/realtime", cfg.Transport.URL)
		assert.Equal(t, "anon", cfg.Transport.Key)
	})

	t.Run("prefixed variables win over SUPABASE", func(t *testing.T) {
		t.Setenv("SUPABASE_URL", "wss://project.example/realtime")
		t.Setenv("COBROWSE_TRANSPORT_URL", "ws://localhost:1234/ws")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, "ws://localhost:1234/ws", cfg.Transport.URL)
	})

	t.Run("nested sections", func(t *testing.T) {
		t.Setenv("COBROWSE_WIDGET_RATE_LIMIT", "12")
		t.Setenv("COBROWSE_WIDGET_REQUIRE_CONSENT", "true")
		t.Setenv("COBROWSE_QUEUE_BASE_BACKOFF", "250ms")
		t.Setenv("COBROWSE_AGENT_ID", "agent-7")
		t.Setenv("COBROWSE_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, 12, cfg.Widget.RateLimit)
		assert.True(t, cfg.Widget.RequireConsent)
		assert.Equal(t, "250ms", cfg.Queue.BaseBackoff)
		assert.Equal(t, "agent-7", cfg.Agent.AgentID)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("unset variables keep file values", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Relay.Listen = ":9999"
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, ":9999", cfg.Relay.Listen)
	})

	t.Run("malformed number", func(t *testing.T) {
		t.Setenv("COBROWSE_QUEUE_MAX_ATTEMPTS", "many")

		cfg := DefaultConfig()
		assert.Error(t, cfg.applyEnvOverrides())
	})
}
