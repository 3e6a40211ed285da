// Command deskpilot drives a desktop or browser with a vision model.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	deskpilot serve          # HTTP API and websocket events
//	deskpilot chat           # interactive terminal UI
//	deskpilot run "open the calculator and compute 2+2"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/config"
)

var (
	configPath string
	logLevel   string
	logFile    string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deskpilot",
		Short:         "Let a vision model operate a computer or a browser",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a file instead of stderr")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(chatCmd())
	cmd.AddCommand(keysCmd())
	cmd.AddCommand(conversationsCmd())
	cmd.AddCommand(browserCmd())
	return cmd
}

// loadConfig applies command line overrides on top of the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
