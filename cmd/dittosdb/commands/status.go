package commands

import (
	"net/http"
	"strconv"

	"github.com/marmos91/dittosdb/internal/cli/output"
	"github.com/marmos91/dittosdb/pkg/server"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage status of a running server",
	Long: `Query the admin API of a running server for the storage switch and the
progress of storage shutdown.

Examples:
  dittosdb status
  dittosdb status --admin http://db-host:9090 --output json`,
	RunE: runStatus,
}

// ServerStatus is what the status command prints.
type ServerStatus struct {
	StorageEnabled  bool   `json:"storage_enabled" yaml:"storage_enabled"`
	ShuttingDown    bool   `json:"shutting_down" yaml:"shutting_down"`
	OpenConnections int    `json:"open_connections" yaml:"open_connections"`
	Detail          string `json:"detail" yaml:"detail"`
}

func (s ServerStatus) Headers() []string { return output.KeyValues{}.Headers() }

func (s ServerStatus) Rows() [][]string {
	return output.KeyValues{
		{"Storage enabled", strconv.FormatBool(s.StorageEnabled)},
		{"Shutting down", strconv.FormatBool(s.ShuttingDown)},
		{"Open connections", strconv.Itoa(s.OpenConnections)},
		{"Detail", s.Detail},
	}.Rows()
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}

	var storage server.StorageResponse
	if err := adminCall(http.MethodGet, "/storage", nil, &storage); err != nil {
		return err
	}

	var shutdown server.ShutdownStatusResponse
	if err := adminCall(http.MethodGet, "/shutdown/status", nil, &shutdown); err != nil {
		return err
	}

	return output.Print(cmd.OutOrStdout(), format, ServerStatus{
		StorageEnabled:  storage.Enabled,
		ShuttingDown:    shutdown.ShuttingDown,
		OpenConnections: shutdown.OpenConnections,
		Detail:          shutdown.Detail,
	})
}
