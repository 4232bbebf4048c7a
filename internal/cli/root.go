// Package cli implements the swarmd command-line interface using Cobra.
// serve and agent run long-lived processes; the remaining commands talk to
// a running coordinator over HTTP.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	actorID   string
)

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "swarmd coordinates compute swarms and distributes tasks",
	Long: `swarmd is a swarm coordination and task distribution engine.
Members pool compute into swarms over persistent sessions; tasks are
matched to swarms, executed, verified and settled.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Coordinator URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "Actor id sent as X-Actor-ID")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
