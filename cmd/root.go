package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"voltbridge/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "voltbridge",
	Short: "OCPP protocol broker for EV charge points",
	Long: `Voltbridge is a protocol broker that sits between EV charge points and a
central management system. It terminates OCPP-J websocket connections,
correlates requests with asynchronous replies, and forwards selected
traffic to remote aggregator nodes.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}
