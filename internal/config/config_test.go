package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Store.PollIntervalSec)
	assert.Equal(t, []int{100, 300, 800, 2000, 5000}, cfg.Quality.TierBoundariesKbps)
	assert.Equal(t, 2, cfg.Quality.DowngradeTicks)
	assert.Equal(t, 5, cfg.Quality.UpgradeTicks)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad role", func(c *Config) { c.Identity.Role = "neighbour" }},
		{"bad id", func(c *Config) { c.Identity.ID = "a b" }},
		{"empty store path", func(c *Config) { c.Store.Path = " " }},
		{"fast poll slower than poll", func(c *Config) { c.Store.UnhealthyPollIntervalSec = 30 }},
		{"feed url scheme", func(c *Config) { c.Realtime.FeedURL = "http://x:1" }},
		{"feed url any host", func(c *Config) { c.Realtime.FeedURL = "ws://0.0.0.0:1" }},
		{"listen addr", func(c *Config) { c.Realtime.ListenAddr = "nope" }},
		{"stun url", func(c *Config) { c.ICE.STUNURLs = []string{"turn:x"} }},
		{"failed below disconnected", func(c *Config) { c.ICE.FailedTimeoutSec = 5 }},
		{"tick too small", func(c *Config) { c.Quality.TickMs = 10 }},
		{"boundaries count", func(c *Config) { c.Quality.TierBoundariesKbps = []int{1, 2} }},
		{"boundaries order", func(c *Config) { c.Quality.TierBoundariesKbps = []int{1, 2, 2, 4, 5} }},
		{"preset audio", func(c *Config) { c.Quality.Presets = map[string]Preset{"poor": {AudioKbps: 0}} }},
		{"push endpoint without keys", func(c *Config) { c.Notify.PushEndpoint = "https://push.example/x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "famcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"role":"child","id":"kid-1"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "child", cfg.Identity.Role)
	assert.Equal(t, "kid-1", cfg.Identity.ID)
	assert.Equal(t, 60, cfg.Store.StaleWindowSec)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "famcall.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)

	cfg.Identity.ID = "parent-7"
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "parent-7", again.Identity.ID)
}

func TestWatchReloadsValidEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "famcall.json")
	require.NoError(t, Save(path, Default()))

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"role":"x"}}`), 0o644))

	cfg := Default()
	cfg.Quality.UpgradeTicks = 7
	require.NoError(t, Save(path, cfg))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Quality.UpgradeTicks == 7 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestApplyLogLevels(t *testing.T) {
	assert.NoError(t, ApplyLogLevels(Log{Level: "debug"}))
	assert.Error(t, ApplyLogLevels(Log{Level: "loud"}))
	assert.NoError(t, ApplyLogLevels(Log{Subsystems: map[string]string{"config": "warn"}}))
}
