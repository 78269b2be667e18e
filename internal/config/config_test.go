package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentConversions)
	assert.Equal(t, 200, cfg.HardCap)
	assert.Equal(t, 10*time.Minute, cfg.ProcessingTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StuckThreshold)
	assert.Equal(t, 2*time.Minute, cfg.MonitorInterval)
	assert.Equal(t, 24*time.Hour, cfg.ResultTTL)
	assert.Equal(t, time.Hour, cfg.RefreshWindow)
	assert.Equal(t, 100, cfg.WSOutboundQueue)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CONVERSIONS", "2")
	t.Setenv("HARD_CAP", "10")
	t.Setenv("APP_ENV", "test")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrentConversions)
	assert.Equal(t, 10, cfg.HardCap)
	assert.True(t, cfg.IsTest())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}
