package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "printd",
	Short: "printd - IPP print spooler",
	Long: `printd is an IPP print service: it accepts print jobs over
application/ipp, spools them, and schedules them onto printer and
class destinations through per-scheme backend programs.

State survives restarts through a single embedded database; jobs
interrupted by a shutdown print again after the next start.`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"printd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringP("config", "c", "/etc/printd/printd.yaml", "Configuration file")
	rootCmd.Flags().String("listen", "", "Override the IPP listen address")
	rootCmd.Flags().String("spool-dir", "", "Override the spool directory")
	rootCmd.Flags().String("log-level", "", "Override the log level (debug|info|warn|error)")
}
