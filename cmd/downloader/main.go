// Command downloader is the CLI entry point for the ingestion pipeline
// (spec §6), grounded on cuemby-warren/cmd/warren's root-command-plus-
// persistent-flags-plus-OnInitialize structure: a single rootCmd,
// Execute() then os.Exit on failure, --log-level/--log-json persistent
// flags wired to logging.Init via cobra.OnInitialize.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stockdl/downloader/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "downloader",
	Short: "Fault-tolerant market-data ingestion pipeline",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Level(level), jsonOut)
}

// main maps every RunE failure to exit code 1 (configuration error or
// unrecoverable failure, spec §6/§7), except errors wrapping errUsage
// (invalid CLI usage, spec §6 exit code 2).
func main() {
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
