package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/meshdb/pkg/log"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meshdb",
	Short:   "meshdb manages a distributed SQL cluster's membership and topology",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meshdb version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(expelCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// waitForSignal blocks until SIGINT/SIGTERM, then calls onStop.
func waitForSignal(onStop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	onStop()
}
