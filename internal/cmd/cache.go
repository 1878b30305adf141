package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcdash/internal/dashboard"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/pkg/output"
	"github.com/3leaps/hpcdash/pkg/refresh"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the on-disk cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show age and freshness of every cache key",
	Long: `Show age and freshness of every cache key.

Examples:
  hpcdash cache status
  hpcdash cache status --json`,
	RunE: runCacheStatus,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Delete cached data",
	Long: `Delete one cache key, or every key with --all.

Clearing modules also clears module descriptions. The next read or
refresh recollects the data.

Examples:
  hpcdash cache clear partitions
  hpcdash cache clear --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheStatusCmd.Flags().Bool("json", false, "Output JSONL records")
	cacheClearCmd.Flags().Bool("all", false, "Clear every key")
}

func runCacheStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}

	statuses := d.Status()
	if jsonOutput {
		w := newRecordWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
		for _, s := range statuses {
			rec := cacheStatusRecord(s, d.Cache.Policy(s.Key).Source.String())
			if err := w.Write(cmd.Context(), output.TypeCacheStatus, rec); err != nil {
				return err
			}
		}
		return nil
	}
	printCacheStatusTable(cmd, statuses, time.Now())
	return nil
}

func cacheStatusRecord(s dashboard.KeyStatus, source string) output.CacheStatusRecord {
	rec := output.CacheStatusRecord{
		Key:           s.Key,
		Present:       s.Present,
		Stale:         s.IsStale,
		AgeSeconds:    s.AgeSeconds,
		MaxAgeSeconds: s.MaxAge,
		Source:        source,
		InProgress:    s.InProgress,
	}
	if s.LastRun != nil {
		rec.LastRunState = string(s.LastRun.State)
		rec.LastRunError = s.LastRun.Error
	}
	return rec
}

func printCacheStatusTable(cmd *cobra.Command, statuses []dashboard.KeyStatus, now time.Time) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "KEY\tSTATE\tAGE\tMAX AGE\tLAST RUN")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Key,
			cacheState(s),
			formatAge(s, now),
			formatMaxAge(s.MaxAge),
			formatLastRun(s, now))
	}
}

func cacheState(s dashboard.KeyStatus) string {
	switch {
	case s.InProgress:
		return "refreshing"
	case !s.Present:
		return "missing"
	case s.IsStale:
		return "stale"
	default:
		return "fresh"
	}
}

func formatAge(s dashboard.KeyStatus, now time.Time) string {
	if !s.Present {
		return "-"
	}
	return humanize.RelTime(now.Add(-time.Duration(s.AgeSeconds)*time.Second), now, "ago", "from now")
}

func formatMaxAge(seconds int64) string {
	if seconds <= 0 {
		return "never"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func formatLastRun(s dashboard.KeyStatus, now time.Time) string {
	if s.LastRun == nil {
		return "-"
	}
	out := string(s.LastRun.State)
	if s.LastRun.EndedAt != nil {
		out += " " + humanize.RelTime(*s.LastRun.EndedAt, now, "ago", "from now")
	}
	if s.LastRun.Error != "" {
		out += ": " + s.LastRun.Error
	}
	return out
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) == 1) {
		return exitError(foundry.ExitInvalidArgument, "Pass one cache key or --all", nil)
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
	if all {
		keys = d.Scheduler.Keys()
	}
	for _, key := range keys {
		if err := d.Clear(key); err != nil {
			if errors.Is(err, refresh.ErrUnknownTask) {
				return exitError(foundry.ExitInvalidArgument, "Unknown cache key", fmt.Errorf("%s: %w", key, err))
			}
			return exitError(foundry.ExitFileWriteError, "Failed to clear cache", err)
		}
		printf(cmd, "cleared %s\n", key)
	}
	return nil
}
