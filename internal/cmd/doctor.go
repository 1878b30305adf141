package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/internal/config"
	errwrap "github.com/3leaps/hpcdash/internal/errors"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/internal/server/handlers"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/projects"
	"github.com/3leaps/hpcdash/pkg/slurm"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks the configuration, the cache directory and every external tool the
dashboard runs (SLURM commands, git, git-status-checker, the login shell).

Examples:
  hpcdash doctor
  hpcdash doctor --config /etc/hpcdash/config.yaml`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// binaryChecks lists the tools the dashboard resolves, with configured
// candidates taking precedence over the built-in locations.
func binaryChecks(cfg *config.Config) []handlers.Tool {
	bins := slurm.DefaultBinaries()
	return []handlers.Tool{
		{Name: "sinfo", Candidates: orDefaultList(cfg.Binaries.Sinfo, bins.Sinfo)},
		{Name: "squeue", Candidates: orDefaultList(cfg.Binaries.Squeue, bins.Squeue)},
		{Name: "sacct", Candidates: orDefaultList(cfg.Binaries.Sacct, bins.Sacct)},
		{Name: "seff", Candidates: orDefaultList(cfg.Binaries.Seff, bins.Seff)},
		{Name: "git", Candidates: orDefaultList(cfg.Binaries.Git, projects.DefaultGitCandidates)},
		{Name: "git-status-checker", Candidates: orDefaultList(cfg.Binaries.StatusChecker, projects.DefaultCheckerCandidates())},
		{Name: "shell", Candidates: orDefaultList(cfg.Binaries.Shell, gateway.DefaultShellCandidates)},
	}
}

func orDefaultList(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

// checkWritableDir creates dir if needed and verifies a file can be written
// in it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func runDoctor(cmd *cobra.Command, args []string) {
	log := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	// Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Crucible and Gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	checkNum++

	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Configuration
	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err))
		ExitWithCode(log, foundry.ExitInvalidArgument, "Invalid configuration",
			errwrap.WrapInternal(cmd.Context(), err, "Invalid configuration"))
		return
	}
	source := "defaults"
	if used := config.ConfigFileUsed(); used != "" {
		source = used
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ %s", checkNum, totalChecks, source))
	checkNum++

	// Cache directory
	if err := checkWritableDir(cfg.Cache.Dir); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking cache directory... ❌ %s is not writable", checkNum, totalChecks, cfg.Cache.Dir),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking cache directory... ✅ %s", checkNum, totalChecks, filepath.Clean(cfg.Cache.Dir)))
	}
	checkNum++

	// Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	log.Info("")
	log.Info("External tools:")
	for _, b := range binaryChecks(cfg) {
		if path, ok := gateway.Resolve(b.Candidates); ok {
			log.Info(fmt.Sprintf("  %-20s ✅ %s", b.Name, path))
			continue
		}
		log.Warn(fmt.Sprintf("  %-20s ⚠️  not found", b.Name), zap.Strings("candidates", b.Candidates))
		allChecks = false
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}
