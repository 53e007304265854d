package config

import (
	"fmt"

	"github.com/marmos91/dittosdb/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Load the configuration with defaults and environment overrides applied
and report whether it is valid.

Examples:
  dittosdb config validate
  dittosdb config validate --config /etc/dittosdb/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	if _, err := config.Load(configPath); err != nil {
		return err
	}

	source := configPath
	if source == "" {
		source = config.GetDefaultConfigPath()
		if !config.ConfigExists() {
			source = "defaults"
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", source)
	return nil
}
