// Command huntql runs the security-event search and detection service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "huntql",
	Short: "Security event search and detection service",
	Long: `huntql compiles free-text and detection-rule queries to ClickHouse SQL,
executes them with safety guards, and schedules detection rules that
publish findings to NATS.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
