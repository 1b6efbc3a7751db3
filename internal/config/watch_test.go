package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cobrowse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("widget:\n  rate_limit: 1\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("widget:\n  rate_limit: 9\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Widget.RateLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cobrowse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("widget:\n  rate_limit: 1\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("widget:\n  rate_limit: -3\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config was delivered")
	case <-time.After(300 * time.Millisecond):
	}
	w.Stop()
	w.Stop()
}
