// Package cli implements the sardisd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/config"
)

var (
	// Global flags
	configFile string
	debug      bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sardisd",
	Short: "Sardis - programmable stablecoin payments for autonomous agents",
	Long: `sardisd runs the Sardis payment platform: a double-entry stablecoin
ledger with policy-governed agent spending, risk scoring, authorization
holds, and webhook and websocket event channels.

Running sardisd with no subcommand starts the daemon.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress console output after startup")
}

// loadConfig loads the configuration, honoring the --conf flag.
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// buildLogger builds the process logger from the configured level and the
// --debug and --quiet flags. Quiet drops everything below errors unless
// debug asked for more.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if quiet && !debug {
		cfg.Log.Level = "error"
	}
	return cfg.Log.BuildLogger(debug)
}
