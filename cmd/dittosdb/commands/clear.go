package commands

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var clearOriginCmd = &cobra.Command{
	Use:   "clear-origin <persistence> <origin>",
	Short: "Delete all databases of an origin",
	Long: `Clear an origin on a running server. Clients with databases open in the
origin are asked to close them; the directory is deleted once every one
has, and the origin is dropped from the usage ledger.

Examples:
  dittosdb clear-origin default https://example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminCall(http.MethodPost, "/origins"+originPath(args[0], args[1])+"/clear", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s origin %s\n", args[0], args[1])
		return nil
	},
}

var clearRepositoryCmd = &cobra.Command{
	Use:   "clear-repository <persistence>",
	Short: "Delete all databases of a persistence type",
	Long: `Clear every origin of one persistence type on a running server.

Examples:
  dittosdb clear-repository temporary`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminCall(http.MethodPost, "/repositories/"+url.PathEscape(args[0])+"/clear", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s repository\n", args[0])
		return nil
	},
}
