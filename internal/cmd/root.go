// Package cmd implements the relay command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Resilient workflow execution for agent jobs",
	Long: `Relay executes git workflows against work items, locally or inside
agent pods, with per-step timeouts and retries. Completed branches can be
turned into pull requests on GitHub or Azure DevOps.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/relay/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/relay")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	// Replace dots with underscores for nested keys in env vars
	// e.g., RELAY_REMOTE_NAMESPACE for remote.namespace
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newLogger builds the CLI logger from the logging config section. Logs go
// to {logDir}/relay.log with rotation, or stderr when logging to a file is
// disabled.
func newLogger(cfg *config.Config, logDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		logDir = ""
	}
	return logging.NewLoggerWithRotation(logDir, strings.ToUpper(cfg.Logging.Level), logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}
