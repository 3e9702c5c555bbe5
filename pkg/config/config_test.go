package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\nbackend:\n  bars: memory\n"))
	require.NoError(t, err)

	assert.Len(t, c.Market.Symbols, 10)
	assert.Equal(t, "EURUSD", c.Market.Symbols[0].Name)
	assert.Equal(t, 0.001, c.Market.Symbols[2].Point, "JPY pairs use a coarser point")
	assert.Len(t, c.Market.Indicators, 10)
	assert.Equal(t, []int{5, 10, 5}, c.Market.Indicators[0].Args)
	assert.Equal(t, 100, c.Training.BatchSteps)
	assert.Equal(t, 30, c.Training.CheckEvery)
	assert.Equal(t, time.Second, c.Live.PollInterval)
	assert.Equal(t, time.Minute, c.Live.DataInterval)
	assert.Equal(t, 1000.0, c.Market.Leverage)
	assert.Equal(t, "sim", c.Backend.Broker)
	assert.Equal(t, []int{5, 15, 30}, c.Regime.Periods)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing environment": "backend:\n  bars: memory\n",
		"unknown backend":     "environment: x\nbackend:\n  bars: parquet\n",
		"duplicate symbol":    "environment: x\nmarket:\n  symbols:\n    - name: EURUSD\n    - name: EURUSD\n",
		"lr inverted":         "environment: x\ntraining:\n  min_learning_rate: 0.5\n  max_learning_rate: 0.1\n",
		"kafka without peers": "environment: x\nkafka:\n  enabled: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o644))

	t.Setenv("SYMBOLS", "EURUSD, GBPUSD")
	t.Setenv("BAR_BACKEND", "memory")
	t.Setenv("CHECKPOINT_PATH", filepath.Join(dir, "agents.json"))
	t.Setenv("BROKER_URL", "http://bridge:9000")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	require.Len(t, c.Market.Symbols, 2)
	assert.Equal(t, "GBPUSD", c.Market.Symbols[1].Name)
	assert.Equal(t, "memory", c.Backend.Bars)
	assert.Equal(t, "http", c.Backend.Broker)
	assert.Equal(t, "http://bridge:9000", c.Bridge.URL)
	assert.Equal(t, filepath.Join(dir, "agents.json"), c.Training.CheckpointPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestSampleConfigLoads(t *testing.T) {
	c, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "development", c.Environment)
	assert.Len(t, c.Market.Symbols, 3)
	assert.Equal(t, 0.001, c.Market.Symbols[2].Point)
	assert.Equal(t, []string{"http://localhost:3000"}, c.Server.CORSOrigins)
	assert.False(t, c.Kafka.Enabled)
}
