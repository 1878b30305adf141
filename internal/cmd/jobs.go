package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/pkg/output"
	"github.com/3leaps/hpcdash/pkg/slurm"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Query SLURM jobs for the configured user",
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running and pending jobs",
	RunE:  runJobsStatus,
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent job history",
	Long: `Show recent job history from sacct, one page at a time.

Examples:
  hpcdash jobs history
  hpcdash jobs history --page 2 --per-page 25`,
	RunE: runJobsHistory,
}

var jobsEfficiencyCmd = &cobra.Command{
	Use:   "efficiency <job-id>",
	Short: "Show the seff report for a job",
	Long: `Show the seff report for a job.

Reports are cached per job; --refresh fetches a new one.

Examples:
  hpcdash jobs efficiency 123456
  hpcdash jobs efficiency 123456 --refresh --json`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsEfficiency,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	jobsCmd.AddCommand(jobsEfficiencyCmd)

	jobsCmd.PersistentFlags().Bool("json", false, "Output as JSON (history and efficiency write JSONL records)")
	jobsCmd.PersistentFlags().String("user", "", "SLURM user (default: jobs.user from config)")
	bindFlag("user", "jobs.user")

	jobsHistoryCmd.Flags().Int("page", 1, "Page number (1-based)")
	jobsHistoryCmd.Flags().Int("per-page", 0, "Jobs per page (default: jobs.per_page from config)")
	jobsEfficiencyCmd.Flags().Bool("refresh", false, "Fetch a new report even when one is cached")
}

func runJobsStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}
	q, err := d.QueueStatus(cmd.Context())
	if err != nil {
		if jsonFlag(cmd) {
			err = writeErrorRecord(cmd.Context(), cmd.OutOrStdout(), "queue", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "squeue failed", err)
	}
	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), q)
	}
	printQueue(cmd.OutOrStdout(), q)
	return nil
}

func runJobsHistory(cmd *cobra.Command, _ []string) error {
	page, _ := cmd.Flags().GetInt("page")
	perPage, _ := cmd.Flags().GetInt("per-page")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}
	h, err := d.History(cmd.Context(), page, perPage)
	if err != nil {
		if jsonFlag(cmd) {
			err = writeErrorRecord(cmd.Context(), cmd.OutOrStdout(), "history", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "sacct failed", err)
	}
	if jsonFlag(cmd) {
		w := newRecordWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
		for _, j := range h.Jobs {
			if err := w.Write(cmd.Context(), output.TypeJob, j); err != nil {
				return err
			}
		}
		return nil
	}
	printHistory(cmd.OutOrStdout(), h)
	return nil
}

func runJobsEfficiency(cmd *cobra.Command, args []string) error {
	id := args[0]
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Job ID must be numeric", err)
	}
	force, _ := cmd.Flags().GetBool("refresh")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}
	e, err := d.Efficiency(cmd.Context(), id, force)
	if err != nil {
		if jsonFlag(cmd) {
			err = writeErrorRecord(cmd.Context(), cmd.OutOrStdout(), "seff:"+id, err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "seff failed", err)
	}
	if jsonFlag(cmd) {
		w := newRecordWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
		return w.Write(cmd.Context(), output.TypeEfficiency, e)
	}
	_, _ = fmt.Fprint(cmd.OutOrStdout(), e.RawOutput)
	return nil
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printQueue(out io.Writer, q slurm.Queue) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOBID\tNAME\tSTATE\tPARTITION\tTIME\tLIMIT")
	for _, j := range q.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.State, j.Partition, j.TimeUsed, j.TimeLimit)
	}
	_, _ = fmt.Fprintf(w, "\n%d running, %d pending\n", q.Running, q.Pending)
}

func printHistory(out io.Writer, h slurm.HistoryPage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOBID\tNAME\tSTATE\tPARTITION\tSTART\tELAPSED\tCPU EFF\tMEM (MB)")
	for _, j := range h.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.1f%%\t%.1f\n",
			j.ID, j.Name, j.State, j.Partition, j.Start, j.Elapsed, j.CPUEfficiency, j.MemoryMB)
	}
	_, _ = fmt.Fprintf(w, "\npage %d of %d (%d jobs)\n", h.Page, h.TotalPages, h.Total)
}
