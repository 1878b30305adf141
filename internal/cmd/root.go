// Package cmd implements the hpcdash command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/internal/config"
	"github.com/3leaps/hpcdash/internal/dashboard"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/internal/server/handlers"
	"github.com/3leaps/hpcdash/pkg/refresh"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// appIdentity is set once the root command initializes.
var appIdentity *config.Identity

var (
	cfgFile string
	verbose bool
)

// flagKeys maps command flags to config keys. A flag overrides the config
// only when set on the command line.
var flagKeys = map[string]string{}

var rootCmd = &cobra.Command{
	Use:   "hpcdash",
	Short: "HPC cluster dashboard backed by a staleness-gated cache",
	Long: `hpcdash serves partition availability, job history and efficiency,
disk quota, module inventory and project health for an HPC cluster.

Data comes from SLURM tools, Lmod and git. Results are cached on disk with
per-source TTLs and refreshed in the background so no request waits on a
slow command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <app data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("cache-dir", "", "Override cache directory")
	bindFlag("cache-dir", "cache.dir")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for `version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity, or nil before initialization.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// setDefaults seeds the global viper so flag bindings resolve against the
// same defaults config.Load uses.
func setDefaults() {
	name := config.DefaultIdentity.ConfigName
	if appIdentity != nil {
		name = appIdentity.ConfigName
	}
	config.SetDefaults(viper.GetViper(), name)
}

func initApp(cmd *cobra.Command, args []string) error {
	name := config.DefaultIdentity.BinaryName
	observability.InitCLILogger(name, verbose)

	if appIdentity == nil {
		config.SetIdentity(config.DefaultIdentity)
		appIdentity = config.AppIdentity()
	}
	config.SetConfigFile(cfgFile)
	setDefaults()
	return nil
}

func bindFlag(flag, key string) {
	flagKeys[flag] = key
}

// loadConfig loads and validates the configuration, applying flags the
// user set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return nil, err
		}
		overrides[key] = viper.Get(key)
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("scripts_dir", cfg.Scripts.Dir))
	return cfg, nil
}

// openDashboard builds a dashboard for a CLI command. Refreshes run in the
// background and must be awaited with Wait before the process exits.
func openDashboard(cfg *config.Config, logger *zap.Logger, m *observability.Metrics) (*dashboard.Dashboard, error) {
	d, err := dashboard.New(dashboard.Options{
		Config:        cfg,
		Logger:        logger,
		Metrics:       m,
		RefreshRunner: &refresh.AsyncRunner{},
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to initialize dashboard", err)
	}
	return d, nil
}

func printf(cmd *cobra.Command, format string, a ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}
