package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pquake/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6911, cfg.ListenPort)
	assert.Equal(t, 5, cfg.MinPeers)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{name: "no servers", mutate: func(c *config.Config) { c.ServerHosts = nil }},
		{name: "area too large", mutate: func(c *config.Config) { c.AreaCode = 1000 }},
		{name: "port zero", mutate: func(c *config.Config) { c.ListenPort = 0 }},
		{name: "port too large", mutate: func(c *config.Config) { c.ListenPort = 70000 }},
		{name: "no peers", mutate: func(c *config.Config) { c.MaxPeers = 0 }},
		{name: "min above max", mutate: func(c *config.Config) { c.MinPeers = c.MaxPeers + 1 }},
		{name: "echo too fast", mutate: func(c *config.Config) { c.EchoInterval = 10 * time.Second }},
		{name: "accept rate zero", mutate: func(c *config.Config) { c.AcceptRate = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("P2PQ_SERVERS", " a.example , b.example:7000 ,")
		t.Setenv("P2PQ_AREA", "250")
		t.Setenv("P2PQ_PORT", "7911")
		t.Setenv("P2PQ_FEED", "127.0.0.1:8080")

		cfg := config.Default()
		require.NoError(t, cfg.ApplyEnv())
		assert.Equal(t, []string{"a.example", "b.example:7000"}, cfg.ServerHosts)
		assert.Equal(t, 250, cfg.AreaCode)
		assert.Equal(t, 7911, cfg.ListenPort)
		assert.Equal(t, "127.0.0.1:8080", cfg.FeedAddr)
	})

	t.Run("invalid numbers keep defaults", func(t *testing.T) {
		t.Setenv("P2PQ_AREA", "tokyo")
		t.Setenv("P2PQ_PORT", "x")

		cfg := config.Default()
		err := cfg.ApplyEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "P2PQ_AREA")
		assert.Contains(t, err.Error(), "P2PQ_PORT")
		assert.Equal(t, config.Default().AreaCode, cfg.AreaCode)
	})
}
