// Package commands implements the dittosdb command line.
package commands

import (
	"github.com/marmos91/dittosdb/cmd/dittosdb/commands/config"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile   string
	adminAddr string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "dittosdb",
	Short: "DittoSDB - per-origin simple database server",
	Long: `DittoSDB stores named byte streams for web origins. Clients connect over
TCP, open a database by name inside their origin's storage directory, and
seek, read, write and close it one request at a time. A quota manager
accounts usage per origin and can clear origins while clients are connected.

Use "dittosdb [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dittosdb/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:9090", "admin API base URL of a running server")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format (table|json|yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(clearOriginCmd)
	rootCmd.AddCommand(clearRepositoryCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(config.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
