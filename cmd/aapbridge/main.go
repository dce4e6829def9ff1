// Aapbridge bridges an Android Open Accessory link to local consumers.
//
// It reads the multiplexed bulk IN stream of an accessory-mode USB device,
// splits it into framed channel messages and fans them out over a
// WebSocket relay. Frames received from relay clients are written back to
// the device's bulk OUT endpoint.
//
// Usage:
//
//	aapbridge [command] [flags]
//
// See 'aapbridge --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/aapbridge/config"
	"github.com/ardnew/aapbridge/internal/version"
	"github.com/ardnew/aapbridge/pkg"
)

func main() {
	err := rootCmd.Execute()
	pkg.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
	logFormat  string

	// cfg is the effective configuration, loaded before any command runs.
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "aapbridge",
	Short: "Android Open Accessory USB bridge",
	Long: `Bridges the multiplexed bulk stream of an accessory-mode USB device
to local consumers.

Messages are routed by channel into high (audio), medium (video) and
normal priority classes, then relayed to WebSocket clients as binary
frames. Client frames are written back to the device.`,
	Version:           version.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads --config over the defaults, then applies the global
// flags the user set.
func loadConfig(cmd *cobra.Command, args []string) error {
	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.ApplyLog(); err != nil {
		return err
	}
	cfg = c
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aapbridge %s\n", version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration that commands would run with, after loading
--config and applying flags. The output is a valid configuration file.`,
	Example: `  # Start a configuration file from the defaults
  aapbridge config > aapbridge.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
