package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	appLog "medsched/internal/log"
	"medsched/internal/model"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Local"
	defaultLogLevel    = "info"
	defaultDatabase    = "/var/lib/medsched/medsched.db"
	defaultMaterialize = "0 * * * *"
	defaultRefresh     = "@every 1m"
	defaultDoseTime    = "08:00"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// EngineConfig carries the scheduling defaults handed to the occurrence
// engine.
type EngineConfig struct {
	// DefaultTime is the dose time (HH:MM) for definitions without timing.
	DefaultTime string `yaml:"default_time" json:"default_time"`

	// BaseHour starts interval grids for definitions without a start hour.
	BaseHour int `yaml:"base_hour" json:"base_hour"`

	// WeeklyDefaultDays (0=Sunday..6=Saturday) applies to weekly
	// definitions that do not list days.
	WeeklyDefaultDays []int `yaml:"weekly_default_days" json:"weekly_default_days"`

	DailyHorizonDays     int `yaml:"daily_horizon_days" json:"daily_horizon_days"`
	WeeklyHorizonWeeks   int `yaml:"weekly_horizon_weeks" json:"weekly_horizon_weeks"`
	MonthlyHorizonMonths int `yaml:"monthly_horizon_months" json:"monthly_horizon_months"`

	// MaxOccurrences caps one expansion of one medication.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone dose times are interpreted in. "Local"
	// means the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Database is the SQLite file path (":memory:" for throwaway runs).
	Database string `yaml:"database" json:"database"`

	// MaterializeCron is a cron spec for writing future schedule rows.
	MaterializeCron string `yaml:"materialize" json:"materialize"`

	// RefreshCron is a cron spec for recomputing pending counts.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Users lists the user IDs the background jobs run for.
	Users []string `yaml:"users" json:"users"`

	Engine EngineConfig `yaml:"engine" json:"engine"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		Timezone:        defaultTimezone,
		LogLevel:        defaultLogLevel,
		Database:        defaultDatabase,
		MaterializeCron: defaultMaterialize,
		RefreshCron:     defaultRefresh,
		Users:           []string{},
		Engine: EngineConfig{
			DefaultTime:          defaultDoseTime,
			BaseHour:             0,
			WeeklyDefaultDays:    []int{1, 3, 5},
			DailyHorizonDays:     30,
			WeeklyHorizonWeeks:   4,
			MonthlyHorizonMonths: 12,
			MaxOccurrences:       5000,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	c.MaterializeCron = validCronOr(c.MaterializeCron, defaultMaterialize)
	c.RefreshCron = validCronOr(c.RefreshCron, defaultRefresh)
	if c.Users == nil {
		c.Users = []string{}
	}

	e := &c.Engine
	if _, err := model.ParseClock(e.DefaultTime); err != nil {
		if e.DefaultTime != "" {
			appLog.Warn("config: invalid default_time; using default", "value", e.DefaultTime)
		}
		e.DefaultTime = defaultDoseTime
	}
	if e.BaseHour < 0 || e.BaseHour > 23 {
		e.BaseHour = 0
	}
	if len(e.WeeklyDefaultDays) == 0 {
		e.WeeklyDefaultDays = []int{1, 3, 5}
	}
	if e.DailyHorizonDays <= 0 {
		e.DailyHorizonDays = 30
	}
	if e.WeeklyHorizonWeeks <= 0 {
		e.WeeklyHorizonWeeks = 4
	}
	if e.MonthlyHorizonMonths <= 0 {
		e.MonthlyHorizonMonths = 12
	}
	if e.MaxOccurrences <= 0 {
		e.MaxOccurrences = 5000
	}
}

// validCronOr returns spec if it parses as a standard cron expression
// (descriptors such as "@every 1m" included), else fallback.
func validCronOr(spec, fallback string) string {
	if spec == "" {
		return fallback
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		appLog.Error("config: invalid cron spec; using default", err, "spec", spec, "default", fallback)
		return fallback
	}
	return spec
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", c.Timezone)
		return time.Local
	}
	return loc
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

// Save writes the given configuration to the specified path atomically
// (temp file in the same directory, then rename) with 0600 permissions.
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

	tmp, err := os.CreateTemp(dir, ".medsched-config-*.tmp")
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

	return os.Rename(tmpName, path)
}
