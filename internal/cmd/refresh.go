package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/pkg/output"
	"github.com/3leaps/hpcdash/pkg/refresh"
	"github.com/3leaps/hpcdash/pkg/runregistry"
)

var (
	refreshAll   bool
	refreshForce bool
	refreshJSON  bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [key...]",
	Short: "Refresh cached data now",
	Long: `Run the background refresh for one or more cache keys and wait for it.

Keys: modules, partitions, slurm_load, disk_quota, projects, seff.
Without --force a fresh cache is left alone.

Examples:
  hpcdash refresh partitions
  hpcdash refresh --all
  hpcdash refresh modules --force`,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
	refreshCmd.Flags().BoolVar(&refreshAll, "all", false, "Refresh every key")
	refreshCmd.Flags().BoolVarP(&refreshForce, "force", "f", false, "Clear the cache and refresh even when fresh")
	refreshCmd.Flags().BoolVar(&refreshJSON, "json", false, "Output JSONL records")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	if !refreshAll && len(args) == 0 {
		return exitError(foundry.ExitInvalidArgument, "No cache key given", errors.New("pass one or more keys or --all"))
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}

	keys := args
	if refreshAll {
		keys = d.Scheduler.Keys()
	}

	ctx := cmd.Context()
	start := time.Now()
	outcomes := make(map[string]refresh.Outcome, len(keys))
	for _, key := range keys {
		outcome, err := d.Refresh(ctx, key, refreshForce)
		if err != nil {
			if errors.Is(err, refresh.ErrUnknownTask) {
				return exitError(foundry.ExitInvalidArgument, "Unknown cache key", fmt.Errorf("%s: %w", key, err))
			}
			return err
		}
		outcomes[key] = outcome
		observability.CLILogger.Info(fmt.Sprintf("%-12s %s", key, outcome))
	}
	d.Wait()

	var w *output.JSONLWriter
	if refreshJSON {
		w = newRecordWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
	}
	failed := 0
	for _, key := range keys {
		rec := refreshRecord(key, outcomes[key], d.Scheduler.LastRun(key))
		if rec.Status == string(runregistry.RunStateFailed) {
			failed++
			observability.CLILogger.Warn("Refresh failed",
				zap.String("key", key),
				zap.String("error", rec.Error))
		}
		if w != nil {
			if err := w.Write(ctx, output.TypeRefresh, rec); err != nil {
				return err
			}
		}
	}
	observability.CLILogger.Info("Refresh finished",
		zap.Int("keys", len(keys)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some refreshes failed",
			fmt.Errorf("%d of %d keys failed", failed, len(keys)))
	}
	return nil
}

// refreshRecord reports what happened to key: the trigger outcome, or the
// final state of the run it started.
func refreshRecord(key string, outcome refresh.Outcome, last *runregistry.RunRecord) output.RefreshRecord {
	rec := output.RefreshRecord{Key: key, Status: string(outcome)}
	if outcome == refresh.Fresh || last == nil {
		return rec
	}
	rec.Status = string(last.State)
	rec.Error = last.Error
	return rec
}
