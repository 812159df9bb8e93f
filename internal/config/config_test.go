package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, 25*time.Second, cfg.API.Timeout)
	assert.Equal(t, 0, cfg.API.Retries)
	assert.Equal(t, 8*time.Second, cfg.Realtime.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Tracking.PublishInterval)
	assert.Equal(t, 20, cfg.Tracking.OfferListCapacity)
	assert.Equal(t, "ws://localhost:8090/ws", cfg.RealtimeWSURL())
	_, ok := cfg.FallbackLocation()
	assert.False(t, ok)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
api:
  base_url: https://api.example.test
  retries: 2
realtime:
  url: https://rt.example.test
dev:
  fallback_location: "12.9716,77.5946"
`))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test", cfg.API.BaseURL)
	assert.Equal(t, 2, cfg.API.Retries)
	assert.Equal(t, 25*time.Second, cfg.API.Timeout)
	assert.Equal(t, "wss://rt.example.test/ws", cfg.RealtimeWSURL())
	loc, ok := cfg.FallbackLocation()
	require.True(t, ok)
	assert.InDelta(t, 77.5946, loc.Lng, 1e-9)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad url":      "api:\n  base_url: not a url\n",
		"negative":     "api:\n  retries: -1\n",
		"heartbeat":    "tracking:\n  heartbeat_min: 20s\n  heartbeat_max: 10s\n",
		"channel":      "auth:\n  otp_channel: pigeon\n",
		"fallback":     "dev:\n  fallback_location: \"95,10\"\n",
		"log level":    "log:\n  level: loud\n",
		"rt scheme":    "realtime:\n  url: ftp://x.test\n",
		"offer bounds": "tracking:\n  offer_list_capacity: 0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("api:\n  timeout: 3s\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.API.Timeout)
}
