package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "predictiond.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	_, err = os.Stat(path)
	require.NoError(t, err, "defaults are written on first load")

	custom := `
[server]
addr = "0.0.0.0:9000"

[chain]
chain_id = 8009

[dev]
enabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(custom), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, int64(8009), cfg.Chain.ChainID)
	require.True(t, cfg.Dev.Enabled)
	require.Equal(t, DefaultConfig().Keys, cfg.Keys, "unset sections keep defaults")
	require.NoError(t, cfg.Validate())

	t.Setenv("PREDICTIOND_ADDR", "127.0.0.1:1234")
	t.Setenv("PREDICTIOND_CHAIN_ID", "5")
	t.Setenv("PREDICTIOND_DEV", "false")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1234", cfg.Server.Addr)
	require.Equal(t, int64(5), cfg.Chain.ChainID)
	require.False(t, cfg.Dev.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"chain id", func(c *Config) { c.Chain.ChainID = 0 }},
		{"contract", func(c *Config) { c.Chain.Contract = "engine" }},
		{"coprocessor", func(c *Config) { c.Chain.Coprocessor = "0x12" }},
		{"key path", func(c *Config) { c.Keys.ProvingKey = "" }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"limits", func(c *Config) { c.Limits.MaxTokens = 0 }},
		{"save interval", func(c *Config) { c.State.SaveIntervalSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.State.Dir = ""
	cfg.State.SaveIntervalSeconds = 0
	require.NoError(t, cfg.Validate(), "interval is unused without a state dir")
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncrementCounter("calls", map[string]string{"b": "2", "a": "1"})
	mc.IncrementCounter("calls", map[string]string{"a": "1", "b": "2"})
	require.Equal(t, float64(2), mc.GetMetric("calls", map[string]string{"b": "2", "a": "1"}).Value)

	mc.RecordReceipt("bet", 100, true)
	mc.RecordReceipt("bet", 300, false)
	summary := mc.GetMetricsSummary()
	hist := summary["histograms"].(map[string]map[string]float64)["gas_used{method=bet}"]
	require.Equal(t, float64(2), hist["count"])
	require.Equal(t, float64(200), hist["avg"])
	require.Equal(t, int64(1), summary["counters"].(map[string]int64)["tx_failed{method=bet}"])

	for i := 0; i < histogramWindow+10; i++ {
		mc.RecordHistogram("window", float64(i), nil)
	}
	hist = mc.GetMetricsSummary()["histograms"].(map[string]map[string]float64)["window"]
	require.Equal(t, float64(histogramWindow), hist["count"])
	require.Equal(t, float64(10), hist["min"])
}

func TestAccountRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	arl := NewAccountRateLimiter(2, 1, time.Second)
	arl.now = func() time.Time { return now }
	alice := common.HexToAddress("0xa11c")

	require.True(t, arl.Allow(alice))
	require.True(t, arl.Allow(alice))
	require.False(t, arl.Allow(alice))
	require.Equal(t, 2, arl.GetTokens(common.HexToAddress("0xb0b")))

	now = now.Add(1500 * time.Millisecond)
	require.True(t, arl.Allow(alice))
	require.False(t, arl.Allow(alice))

	now = now.Add(500 * time.Millisecond)
	require.True(t, arl.Allow(alice), "partial periods carry over")
}
