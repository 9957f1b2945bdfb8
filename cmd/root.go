// Package cmd hosts the courier CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier bridges chat platforms to an agent loop",
	Long: `Courier is a gateway that routes chat-platform conversations into an
agent loop. It classifies inbound messages, queues them per session, runs
the agent against the configured model provider, and relays the output back
to the surface.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the courier version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("courier", Version)
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default courier.json5, env COURIER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(versionCmd, gatewayCmd, doctorCmd)
}

// resolveConfigPath picks the config file: flag, then COURIER_CONFIG, then
// courier.json5 next to the working directory.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("COURIER_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(".", "courier.json5")
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
