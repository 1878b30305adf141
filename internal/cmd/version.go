package cmd

import (
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionExtended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printf(cmd, "hpcdash %s\n", versionInfo.Version)
		if !versionExtended {
			return
		}
		v := crucible.GetVersion()
		printf(cmd, "  commit:     %s\n", versionInfo.Commit)
		printf(cmd, "  built:      %s\n", versionInfo.BuildDate)
		printf(cmd, "  go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		printf(cmd, "  gofulmen:   %s\n", v.Gofulmen)
		printf(cmd, "  crucible:   %s\n", v.Crucible)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionExtended, "extended", false, "Include build and dependency details")
}
