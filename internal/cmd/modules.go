package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/modules"
	"github.com/3leaps/hpcdash/pkg/stream"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Work with the Lmod module catalog",
}

var modulesScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the module catalog and print it as it is discovered",
	Long: `Scan the Lmod module catalog.

A fresh cached catalog is replayed without running Lmod. Otherwise the
command follows the running scan, starting one when none is active.
With --json each event is written to stdout as one JSON line.

Examples:
  hpcdash modules scan
  hpcdash modules scan --json
  hpcdash modules scan --force`,
	RunE: runModulesScan,
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesScanCmd)
	modulesScanCmd.Flags().Bool("json", false, "Write events as JSON lines")
	modulesScanCmd.Flags().BoolP("force", "f", false, "Rescan even when the cached catalog is fresh")
}

func runModulesScan(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	force, _ := cmd.Flags().GetBool("force")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := openDashboard(cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}

	var out stream.Emitter = &textEmitter{w: cmd.OutOrStdout()}
	if jsonOutput {
		w := stream.NewWriter(cmd.OutOrStdout(), uuid.NewString(), "modules")
		defer func() { _ = w.Close() }()
		out = w
	}
	failures := &errorWatch{next: out}

	err = d.Catalog.Stream(cmd.Context(), failures, force)
	// The scan outlives a detached follower; let it finish writing the cache.
	d.Catalog.Wait()
	if errors.Is(err, flight.ErrInProgress) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Module scan already running in another process", err)
	}
	if err == nil && failures.message != "" {
		err = errors.New(failures.message)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Module scan failed", err)
	}
	return nil
}

// errorWatch records the message of an error event on its way through.
type errorWatch struct {
	next    stream.Emitter
	message string
}

func (e *errorWatch) Emit(ctx context.Context, ev stream.Event) error {
	if data, ok := ev.Data.(stream.Error); ok {
		e.message = data.Message
	}
	return e.next.Emit(ctx, ev)
}

// textEmitter renders scan events for a terminal.
type textEmitter struct {
	w io.Writer
}

func (t *textEmitter) Emit(_ context.Context, ev stream.Event) error {
	switch data := ev.Data.(type) {
	case stream.Progress:
		if data.Total > 0 {
			_, _ = fmt.Fprintf(t.w, "... %s (%d/%d)\n", data.Message, data.Current, data.Total)
		} else if data.Message != "" {
			_, _ = fmt.Fprintf(t.w, "... %s\n", data.Message)
		}
	case stream.Item:
		fam, ok := data.Record.(modules.Family)
		if !ok {
			_, _ = fmt.Fprintf(t.w, "%s\n", data.Key)
			return nil
		}
		line := fmt.Sprintf("%-28s %-18s %s", fam.Name, fam.Category, strings.Join(fam.Versions, ", "))
		if fam.Description != "" {
			line += "\n    " + fam.Description
		}
		_, _ = fmt.Fprintln(t.w, line)
	case stream.ItemUpdate:
		if p, ok := data.Patch.(modules.DescriptionPatch); ok && p.Description != "" {
			_, _ = fmt.Fprintf(t.w, "%-28s %s\n", data.Key, p.Description)
		}
	case stream.Error:
		_, _ = fmt.Fprintf(t.w, "error: %s\n", data.Message)
	case stream.Complete:
		if s, ok := data.Summary.(modules.Summary); ok {
			_, _ = fmt.Fprintf(t.w, "%d modules, %d described (%d cached, %d fetched, %d failed) in %dms\n",
				s.UniqueCount, s.Described, s.Cached, s.Fetched, s.Failed, s.DurationMS)
		} else {
			_, _ = fmt.Fprintln(t.w, "scan complete")
		}
	}
	return nil
}
