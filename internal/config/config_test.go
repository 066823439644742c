package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 12, cfg.Server.AnnounceRatePerMin)
	assert.Equal(t, 100, cfg.Server.PeerListLimit)
	assert.Equal(t, 600, cfg.Presence.OnlineWindowSec)
	assert.Equal(t, 86400, cfg.Presence.RetentionSec)
	assert.Equal(t, 50, cfg.Channels.Cap)
	assert.Equal(t, 25, cfg.Channels.TrimTo)
	assert.Equal(t, 2, cfg.Elector.MinCoordinators)
	assert.Equal(t, 5, cfg.Elector.MaxCoordinators)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRoundTripFillsZeroFields(t *testing.T) {
	dir := t.TempDir()

	partial := Config{}
	partial.Server.Bind = "0.0.0.0:9999"
	partial.Identity.Mode = "local"
	require.NoError(t, Save(dir, partial))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Bind)
	// Everything left zero comes back as a default.
	assert.Equal(t, Default().Presence, cfg.Presence)
	assert.Equal(t, Default().Channels, cfg.Channels)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(c *Config)
	}{
		{"empty bind", func(c *Config) { c.Server.Bind = "" }},
		{"bad port", func(c *Config) { c.Server.Bind = "127.0.0.1:notaport" }},
		{"trim above cap", func(c *Config) { c.Channels.TrimTo = 60 }},
		{"min above max", func(c *Config) { c.Elector.MinCoordinators = 9 }},
		{"unknown identity mode", func(c *Config) { c.Identity.Mode = "ldap" }},
		{"remote without url", func(c *Config) { c.Identity.Mode = "remote" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
