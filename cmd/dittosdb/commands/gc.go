package commands

import (
	"net/http"
	"strconv"

	"github.com/marmos91/dittosdb/internal/cli/output"
	"github.com/marmos91/dittosdb/pkg/gc"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect the usage ledger of a running server",
	Long: `Forget usage ledger entries whose origin directory no longer exists and
recompute the usage of every other tracked origin.

Examples:
  dittosdb gc
  dittosdb gc --output json`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

type gcResult gc.Stats

func (r gcResult) Headers() []string { return output.KeyValues{}.Headers() }

func (r gcResult) Rows() [][]string {
	stats := gc.Stats(r)
	return output.KeyValues{
		{"Tracked", strconv.FormatUint(r.TrackedCount, 10)},
		{"Orphaned", strconv.FormatUint(r.OrphanedCount, 10)},
		{"Forgotten", strconv.FormatUint(r.ForgottenCount, 10)},
		{"Refreshed", strconv.FormatUint(r.RefreshedCount, 10)},
		{"Failed", strconv.FormatUint(r.FailedCount, 10)},
		{"Duration", stats.Duration().String()},
	}.Rows()
}

func runGC(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}

	var stats gc.Stats
	if err := adminCall(http.MethodPost, "/usage/gc", nil, &stats); err != nil {
		return err
	}

	if format == output.FormatTable {
		return output.PrintTable(cmd.OutOrStdout(), gcResult(stats))
	}
	return output.Print(cmd.OutOrStdout(), format, stats)
}
