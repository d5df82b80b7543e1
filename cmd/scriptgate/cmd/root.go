// Package cmd provides the CLI commands for scriptgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/scriptgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "scriptgate",
	Short: "scriptgate - gated script distribution",
	Long: `scriptgate serves a script to authorized users in short-lived chunks.

Each chunk is AES-GCM encrypted with a per-session key and signed with a
rotating RSA key whose public half is published at /keys.

Quick start:
  1. Create a config file: scriptgate.yaml (chunks.script_path is required)
  2. Import users: scriptgate users import users.yaml
  3. Run: scriptgate start

Configuration:
  Config is loaded from scriptgate.yaml in the current directory,
  $HOME/.scriptgate/, or /etc/scriptgate/.

  Environment variables override config values with the SCRIPTGATE_ prefix.
  Example: SCRIPTGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the server
  stop        Stop the running server
  keys        Rotate or list signing keys
  users       Manage authorized users
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./scriptgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfig loads and validates configuration for commands that do not
// start the server.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
