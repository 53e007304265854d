package commands

import (
	"fmt"
	"net/http"

	"github.com/marmos91/dittosdb/pkg/server"
	"github.com/spf13/cobra"
)

var storageCmd = &cobra.Command{
	Use:   "storage <enable|disable>",
	Short: "Flip the storage switch of a running server",
	Long: `While storage is disabled every open request fails; databases that are
already open keep working.

Examples:
  dittosdb storage disable
  dittosdb storage enable`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"enable", "disable"},
	RunE: func(cmd *cobra.Command, args []string) error {
		req := server.StorageResponse{Enabled: args[0] == "enable"}

		var resp server.StorageResponse
		if err := adminCall(http.MethodPut, "/storage", req, &resp); err != nil {
			return err
		}

		state := "disabled"
		if resp.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Storage %s\n", state)
		return nil
	},
}
