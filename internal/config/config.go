package config

import (
	"encoding/json"
	"fmt"
	"os"

	"grid-risk-engine/internal/models"
)

// Config is the full runtime configuration of the engine. Everything in here
// is validated once at load time and treated as immutable afterwards.
type Config struct {
	Mode        string `json:"mode"` // "live" or "paper"
	IsTestnet   bool   `json:"is_testnet"`
	DBPath      string `json:"db_path"`
	JournalPath string `json:"journal_path"`
	MetricsAddr string `json:"metrics_addr,omitempty"` // empty disables the /metrics endpoint

	Grids   []models.GridConfig         `json:"grids"`
	Risk    models.RiskConfig           `json:"risk"`
	Breaker models.CircuitBreakerConfig `json:"circuit_breaker"`
	Log     models.LogConfig            `json:"log"`
	Alert   models.AlertConfig          `json:"alert"`

	// PaperBalance seeds the simulated exchange in paper mode.
	PaperBalance float64 `json:"paper_balance,omitempty"`

	RetryAttempts       int `json:"retry_attempts"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"`
	TickIntervalSec     int `json:"tick_interval_sec,omitempty"`
	ReportIntervalSec   int `json:"report_interval_sec,omitempty"`
}

// Load reads the JSON config file, applies defaults and validates every
// section. Secrets (API keys, Telegram token) come from the environment, not
// from the file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.DBPath == "" {
		c.DBPath = "data/state"
	}
	if c.JournalPath == "" {
		c.JournalPath = "data/journal.db"
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInitialDelayMs == 0 {
		c.RetryInitialDelayMs = 250
	}
	if c.TickIntervalSec == 0 {
		c.TickIntervalSec = 5
	}
	if c.ReportIntervalSec == 0 {
		c.ReportIntervalSec = 60
	}
	if c.PaperBalance == 0 {
		c.PaperBalance = 10000
	}
	if c.Alert.BufferSize == 0 {
		c.Alert.BufferSize = 64
	}
}

// Validate checks every section and rejects the whole config on the first
// violation.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return &models.ValidationError{Field: "mode", Reason: "must be live or paper"}
	}
	if len(c.Grids) == 0 {
		return &models.ValidationError{Field: "grids", Reason: "at least one grid is required"}
	}
	seen := make(map[string]bool, len(c.Grids))
	for i := range c.Grids {
		g := &c.Grids[i]
		if err := g.Validate(); err != nil {
			return fmt.Errorf("grids[%d]: %w", i, err)
		}
		if seen[g.Symbol] {
			return &models.ValidationError{Field: "grids", Reason: "duplicate symbol " + g.Symbol}
		}
		seen[g.Symbol] = true
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	return nil
}
