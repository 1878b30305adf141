package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the fully resolved hpcdash configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Binaries BinariesConfig `mapstructure:"binaries"`
	Modules  ModulesConfig  `mapstructure:"modules"`
	Slurm    SlurmConfig    `mapstructure:"slurm"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Scripts  ScriptsConfig  `mapstructure:"scripts"`
	Projects ProjectsConfig `mapstructure:"projects"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`

	// File is the rotated JSON log written by the server. Empty disables it.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// CacheConfig locates the cache directory and overrides per-key TTLs.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`

	// LockDir holds refresh touch-files. Defaults to <dir>/locks.
	LockDir string `mapstructure:"lock_dir"`

	// RunsDir holds per-key run records. Defaults to <dir>/runs.
	RunsDir string `mapstructure:"runs_dir"`

	TTL         map[string]time.Duration `mapstructure:"ttl"`
	LockCeiling time.Duration            `mapstructure:"lock_ceiling"`
}

// BinariesConfig lists candidate absolute paths per external tool. Empty
// lists fall back to the built-in locations.
type BinariesConfig struct {
	Sinfo         []string `mapstructure:"sinfo"`
	Squeue        []string `mapstructure:"squeue"`
	Sacct         []string `mapstructure:"sacct"`
	Seff          []string `mapstructure:"seff"`
	Git           []string `mapstructure:"git"`
	StatusChecker []string `mapstructure:"status_checker"`
	Shell         []string `mapstructure:"shell"`
}

type ModulesConfig struct {
	InitScript        string        `mapstructure:"init_script"`
	Workers           int           `mapstructure:"workers"`
	ProgressEvery     int           `mapstructure:"progress_every"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	Burst             int           `mapstructure:"burst"`
	ListTimeout       time.Duration `mapstructure:"list_timeout"`
	DetailTimeout     time.Duration `mapstructure:"detail_timeout"`
	CategoriesFile    string        `mapstructure:"categories_file"`
	PruneDescriptions bool          `mapstructure:"prune_descriptions"`
}

type SlurmConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	PartitionFile string        `mapstructure:"partition_file"`
}

type JobsConfig struct {
	User        string        `mapstructure:"user"`
	HistoryDays int           `mapstructure:"history_days"`
	PerPage     int           `mapstructure:"per_page"`
	SeffTimeout time.Duration `mapstructure:"seff_timeout"`
	SeffPreload bool          `mapstructure:"seff_preload"`
	PreloadRate float64       `mapstructure:"preload_rate"`
	SaveEvery   int           `mapstructure:"save_every"`
}

// ScriptsConfig names the site scripts run through a login shell.
type ScriptsConfig struct {
	Dir         string        `mapstructure:"dir"`
	WorkDir     string        `mapstructure:"work_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LoadScript  string        `mapstructure:"load_script"`
	LoadOutput  string        `mapstructure:"load_output"`
	QuotaScript string        `mapstructure:"quota_script"`
	QuotaOutput string        `mapstructure:"quota_output"`
}

type ProjectsConfig struct {
	Directories    []string      `mapstructure:"directories"`
	SettingsFile   string        `mapstructure:"settings_file"`
	CheckerTimeout time.Duration `mapstructure:"checker_timeout"`
	Workers        int           `mapstructure:"workers"`
}

var (
	ErrMissingCacheDir = errors.New("cache.dir is required")
	ErrInvalidWorkers  = errors.New("workers must be positive")
)

// Validate rejects configurations the dashboard cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Dir == "" {
		errs = append(errs, ErrMissingCacheDir)
	}
	if c.Workers <= 0 {
		errs = append(errs, ErrInvalidWorkers)
	}
	if c.Modules.Workers < 0 {
		errs = append(errs, fmt.Errorf("modules.workers must not be negative: %d", c.Modules.Workers))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	for key, ttl := range c.Cache.TTL {
		if ttl < 0 {
			errs = append(errs, fmt.Errorf("cache.ttl.%s must not be negative", key))
		}
	}
	return errors.Join(errs...)
}
