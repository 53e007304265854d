package commands

import (
	"fmt"

	"github.com/marmos91/dittosdb/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample DittoSDB configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dittosdb/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  dittosdb init

  # Initialize with custom path
  dittosdb init --config /etc/dittosdb/config.yaml

  # Force overwrite existing config
  dittosdb init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()

	var err error
	if configPath != "" {
		err = config.InitConfigToPath(configPath, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit the configuration file to customize your setup")
	fmt.Fprintln(out, "  2. Start the server with: dittosdb start")
	fmt.Fprintf(out, "  3. Or specify custom config: dittosdb start --config %s\n", configPath)

	return nil
}
