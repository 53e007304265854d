package commands

import (
	"net/http"
	"strconv"

	"github.com/marmos91/dittosdb/internal/cli/output"
	"github.com/marmos91/dittosdb/pkg/server"
	"github.com/spf13/cobra"
)

var usageRefresh bool

var usageCmd = &cobra.Command{
	Use:   "usage [persistence origin]",
	Short: "Show the storage used by an origin",
	Long: `Recompute the storage used by an origin on a running server and record it
in the usage ledger. Persistence is one of persistent, temporary or default.
Use "chrome" as the origin for system storage.

With --refresh, recompute every origin already in the ledger instead.

Examples:
  dittosdb usage default https://example.com
  dittosdb usage persistent chrome --output json
  dittosdb usage --refresh`,
	Args: func(cmd *cobra.Command, args []string) error {
		if usageRefresh {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageRefresh, "refresh", false, "Refresh every tracked origin")
}

type usageResult server.UsageResponse

func (u usageResult) Headers() []string {
	return []string{"Persistence", "Origin", "Database bytes", "Total"}
}

func (u usageResult) Rows() [][]string {
	return [][]string{{
		u.Persistence,
		u.Origin,
		strconv.FormatUint(u.Usage.DatabaseBytes, 10),
		strconv.FormatUint(u.Total, 10),
	}}
}

func runUsage(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}

	if usageRefresh {
		var result map[string]int
		if err := adminCall(http.MethodPost, "/usage/refresh", nil, &result); err != nil {
			return err
		}
		return output.Print(cmd.OutOrStdout(), format, output.KeyValues{
			{"Refreshed origins", strconv.Itoa(result["refreshed"])},
		})
	}

	var usage server.UsageResponse
	if err := adminCall(http.MethodGet, "/usage"+originPath(args[0], args[1]), nil, &usage); err != nil {
		return err
	}

	if format == output.FormatTable {
		return output.PrintTable(cmd.OutOrStdout(), usageResult(usage))
	}
	return output.Print(cmd.OutOrStdout(), format, usage)
}
