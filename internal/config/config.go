package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single ICS subscription source.
type SourceConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address reserved for a future status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA reference timezone all instants are normalized
	// into before comparison (e.g. "Asia/Seoul"). Empty means UTC.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic re-fetch and re-parse of all sources.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// ExpansionDays is the recurrence expansion window, in days from each
	// master's start.
	ExpansionDays int `yaml:"expansion_days" json:"expansion_days"`

	// MaxOccurrencesPerRule caps how many instances one recurrence rule
	// may generate.
	MaxOccurrencesPerRule int `yaml:"max_occurrences_per_rule" json:"max_occurrences_per_rule"`

	// ExpansionTimeBudgetMS is the soft per-rule wall-clock budget in
	// milliseconds; expansion of one candidate stops once exceeded.
	ExpansionTimeBudgetMS int `yaml:"expansion_time_budget_ms_per_rule" json:"expansion_time_budget_ms_per_rule"`

	// ExpansionYieldFrequency is how many occurrences are emitted between
	// cooperative yields to the scheduler.
	ExpansionYieldFrequency int `yaml:"expansion_yield_frequency" json:"expansion_yield_frequency"`

	// RRuleWorkerConcurrency bounds how many candidates are expanded in
	// overlapping fashion at once.
	RRuleWorkerConcurrency int `yaml:"rrule_worker_concurrency" json:"rrule_worker_concurrency"`

	// StreamingThresholdBytes: documents at or above this size are scanned
	// incrementally instead of parsed as one buffer.
	StreamingThresholdBytes int `yaml:"streaming_threshold_bytes" json:"streaming_threshold_bytes"`

	// RawComponentsSupersetLimit bounds the raw-record superset retained
	// during scanning (recurrence masters are kept preferentially).
	RawComponentsSupersetLimit int `yaml:"raw_components_superset_limit" json:"raw_components_superset_limit"`

	// MaxStoredEvents caps how many parsed events are retained per document.
	MaxStoredEvents int `yaml:"max_stored_events" json:"max_stored_events"`

	// MaxDocumentBytes is the absolute document size ceiling; larger
	// documents fail before scanning starts.
	MaxDocumentBytes int `yaml:"max_document_bytes" json:"max_document_bytes"`

	// ExclusionToleranceSeconds: occurrences within this many seconds of a
	// declared exclusion instant are treated as excluded.
	ExclusionToleranceSeconds int `yaml:"exclusion_tolerance_seconds" json:"exclusion_tolerance_seconds"`

	// CacheEntries / CacheTTLMinutes size the opportunistic parse-result
	// cache keyed by document hash.
	CacheEntries    int `yaml:"cache_entries" json:"cache_entries"`
	CacheTTLMinutes int `yaml:"cache_ttl_minutes" json:"cache_ttl_minutes"`

	// ICS is the list of subscribed ICS sources.
	ICS []SourceConfig `yaml:"ics" json:"ics"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                     "127.0.0.1:8080",
		Timezone:                   "UTC",
		RefreshCron:                "*/15 * * * *",
		ExpansionDays:              365,
		MaxOccurrencesPerRule:      250,
		ExpansionTimeBudgetMS:      200,
		ExpansionYieldFrequency:    50,
		RRuleWorkerConcurrency:     1,
		StreamingThresholdBytes:    512 * 1024,
		RawComponentsSupersetLimit: 1200,
		MaxStoredEvents:            1000,
		MaxDocumentBytes:           20 * 1024 * 1024,
		ExclusionToleranceSeconds:  60,
		CacheEntries:               64,
		CacheTTLMinutes:            15,
		ICS:                        []SourceConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.ExpansionDays <= 0 {
		c.ExpansionDays = def.ExpansionDays
	}
	if c.MaxOccurrencesPerRule <= 0 {
		c.MaxOccurrencesPerRule = def.MaxOccurrencesPerRule
	}
	if c.ExpansionTimeBudgetMS <= 0 {
		c.ExpansionTimeBudgetMS = def.ExpansionTimeBudgetMS
	}
	if c.ExpansionYieldFrequency <= 0 {
		c.ExpansionYieldFrequency = def.ExpansionYieldFrequency
	}
	if c.RRuleWorkerConcurrency <= 0 {
		c.RRuleWorkerConcurrency = def.RRuleWorkerConcurrency
	}
	if c.StreamingThresholdBytes <= 0 {
		c.StreamingThresholdBytes = def.StreamingThresholdBytes
	}
	if c.RawComponentsSupersetLimit <= 0 {
		c.RawComponentsSupersetLimit = def.RawComponentsSupersetLimit
	}
	if c.MaxStoredEvents <= 0 {
		c.MaxStoredEvents = def.MaxStoredEvents
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = def.MaxDocumentBytes
	}
	if c.ExclusionToleranceSeconds <= 0 {
		c.ExclusionToleranceSeconds = def.ExclusionToleranceSeconds
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = def.CacheEntries
	}
	if c.CacheTTLMinutes <= 0 {
		c.CacheTTLMinutes = def.CacheTTLMinutes
	}
	if c.ICS == nil {
		c.ICS = []SourceConfig{}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".calingest-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
