package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	def := DefaultConfig()
	assert.Equal(t, def.Timezone, cfg.Timezone)
	assert.Equal(t, def.RefreshCron, cfg.RefreshCron)
	assert.Equal(t, def.ExpansionDays, cfg.ExpansionDays)
	assert.Equal(t, def.MaxOccurrencesPerRule, cfg.MaxOccurrencesPerRule)
	assert.Equal(t, def.StreamingThresholdBytes, cfg.StreamingThresholdBytes)
	assert.Equal(t, def.RawComponentsSupersetLimit, cfg.RawComponentsSupersetLimit)
	assert.Equal(t, def.MaxStoredEvents, cfg.MaxStoredEvents)
	assert.Equal(t, def.ExclusionToleranceSeconds, cfg.ExclusionToleranceSeconds)
	assert.NotNil(t, cfg.ICS)
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Timezone:              "Asia/Seoul",
		ExpansionDays:         30,
		MaxOccurrencesPerRule: 10,
	}
	cfg.Normalize()

	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, 30, cfg.ExpansionDays)
	assert.Equal(t, 10, cfg.MaxOccurrencesPerRule)
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().ExpansionDays, cfg.ExpansionDays)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Berlin"
	cfg.MaxStoredEvents = 42
	cfg.ICS = []SourceConfig{{URL: "https://example.com/cal.ics", ID: "work", Name: "Work"}}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.Equal(t, 42, got.MaxStoredEvents)
	require.Len(t, got.ICS, 1)
	assert.Equal(t, "work", got.ICS[0].ID)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "timezone: Asia/Tokyo\nmax_stored_events: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, 5, cfg.MaxStoredEvents)
	assert.Equal(t, DefaultConfig().ExpansionDays, cfg.ExpansionDays)
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}
