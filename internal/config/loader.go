// Package config resolves hpcdash configuration from defaults, an optional
// YAML file, HPCDASH_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/hpcdash/pkg/filewatch"
)

// Identity names the application for config paths and env variables.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity used when none has been set.
var DefaultIdentity = Identity{BinaryName: "hpcdash", ConfigName: "hpcdash", EnvPrefix: "HPCDASH"}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the application identity used by Load.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// AppIdentity returns the active identity, or nil before Load or SetIdentity.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetConfigFile pins the YAML file read by Load. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed returns the file Load reads, or "" when only defaults and
// environment apply.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return resolveConfigFile()
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper, name string) {
	dataDir := gfconfig.GetAppDataDir(name)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "logs/app.log")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("cache.dir", filepath.Join(dataDir, "cache"))
	v.SetDefault("cache.lock_ceiling", 5*time.Minute)

	v.SetDefault("modules.init_script", "/etc/profile.d/lmod.sh")
	v.SetDefault("modules.workers", 20)
	v.SetDefault("modules.progress_every", 10)
	v.SetDefault("modules.rate_limit", 0)
	v.SetDefault("modules.burst", 1)
	v.SetDefault("modules.list_timeout", 60*time.Second)
	v.SetDefault("modules.detail_timeout", 10*time.Second)
	v.SetDefault("modules.prune_descriptions", false)

	v.SetDefault("slurm.timeout", 30*time.Second)

	v.SetDefault("jobs.history_days", 90)
	v.SetDefault("jobs.per_page", 10)
	v.SetDefault("jobs.seff_timeout", 10*time.Second)
	v.SetDefault("jobs.seff_preload", true)
	v.SetDefault("jobs.preload_rate", 2)
	v.SetDefault("jobs.save_every", 10)

	v.SetDefault("scripts.dir", "scripts")
	v.SetDefault("scripts.work_dir", ".")
	v.SetDefault("scripts.timeout", 5*time.Minute)
	v.SetDefault("scripts.load_script", "slurm_load.sh")
	v.SetDefault("scripts.quota_script", "get_disk_quota.sh")
	v.SetDefault("scripts.quota_output", "logs/disk_quota.txt")

	v.SetDefault("projects.directories", []string{"~/projects"})
	v.SetDefault("projects.checker_timeout", 600*time.Second)
	v.SetDefault("projects.workers", 4)
}

// Load resolves the configuration and stores it for GetConfig. Each
// override map is nested like the YAML file and wins over every other
// source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v, appIdentity.ConfigName)
	v.SetConfigType("yaml")

	if file := resolveConfigFile(); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	appConfig = &cfg
	return &cfg, nil
}

func normalize(cfg *Config) {
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Cache.Dir = expandPath(cfg.Cache.Dir)
	if cfg.Cache.LockDir == "" && cfg.Cache.Dir != "" {
		cfg.Cache.LockDir = filepath.Join(cfg.Cache.Dir, "locks")
	}
	if cfg.Cache.RunsDir == "" && cfg.Cache.Dir != "" {
		cfg.Cache.RunsDir = filepath.Join(cfg.Cache.Dir, "runs")
	}
	cfg.Modules.CategoriesFile = expandPath(cfg.Modules.CategoriesFile)
	cfg.Slurm.PartitionFile = expandPath(cfg.Slurm.PartitionFile)
	cfg.Scripts.Dir = expandPath(cfg.Scripts.Dir)
	cfg.Scripts.WorkDir = expandPath(cfg.Scripts.WorkDir)
	cfg.Projects.SettingsFile = expandPath(cfg.Projects.SettingsFile)
	if cfg.Jobs.User == "" {
		cfg.Jobs.User = os.Getenv("USER")
	}
}

// projectSettings is the user-editable settings document.
type projectSettings struct {
	ProjectDirectories []string `json:"project_directories" yaml:"project_directories"`
}

// ProjectDirectories returns the directories scanned for projects. A
// readable settings file with a non-empty list wins over the config.
func (c *Config) ProjectDirectories() []string {
	if c.Projects.SettingsFile != "" {
		var s projectSettings
		if err := filewatch.DecodeFile(c.Projects.SettingsFile, &s); err == nil && len(s.ProjectDirectories) > 0 {
			return s.ProjectDirectories
		}
	}
	return c.Projects.Directories
}

func resolveConfigFile() string {
	if configFile != "" {
		return configFile
	}
	if appIdentity != nil {
		if env := os.Getenv(appIdentity.EnvPrefix + "_CONFIG"); env != "" {
			return env
		}
	}
	for _, p := range getUserConfigPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	name := appIdentity.ConfigName
	paths := []string{filepath.Join(gfconfig.GetAppDataDir(name), "config.yaml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", name, "config.yaml"))
	}
	return paths
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

// envSpecsLocked maps the short env names documented for operators.
// Nested keys are also reachable as <PREFIX>_<SECTION>_<KEY>.
func envSpecsLocked() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "WORKERS", Path: "workers"},
		{Name: p + "CACHE_DIR", Path: "cache.dir"},
		{Name: p + "MODULES_INIT", Path: "modules.init_script"},
		{Name: p + "SCRIPTS_DIR", Path: "scripts.dir"},
		{Name: p + "PROJECT_DIRS", Path: "projects.directories"},
		{Name: p + "SLURM_USER", Path: "jobs.user"},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flatten(key, nested) {
				out[fk] = fv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}
