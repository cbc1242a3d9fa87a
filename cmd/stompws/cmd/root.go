package cmd

import (
	"github.com/spf13/cobra"
)

var (
	verbose  bool
	debug    bool
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stompws",
	Short: "STOMP over WebSocket client and broker",
	Long: `stompws speaks STOMP 1.0, 1.1 and 1.2 over WebSocket connections.

It can subscribe to destinations and print the messages it receives,
send messages once or on a cron schedule, run a small in-memory broker
configured with HCL, and check module descriptor files.

Connection settings not given as flags are read from STOMPWS_*
environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetDebug returns the debug flag value
func GetDebug() bool {
	return debug
}
