package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/sitegraph/
var version = "dev"

var (
	configPath   string
	logLevelFlag string
	dbPathFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "sitegraph",
	Short: "Node-graph editor that builds local directory websites",
	Long: "Sitegraph wires research, content and site-building nodes into a dataflow graph.\n" +
		"Run `sitegraph serve` to expose the graph over MCP and the web panel.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (default ~/.sitegraph/settings.{yaml,json})")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "override db_path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(diagramCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.Version = version
}

// resolveConfig loads the layered config and applies command-line overrides.
func resolveConfig() (Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
