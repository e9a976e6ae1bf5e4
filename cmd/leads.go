package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/permitsync/internal/lead"
	"github.com/sells-group/permitsync/internal/model"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Manage leads derived from permits",
}

var leadsDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Re-derive leads from persisted permits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var filter model.PermitFilter
		filter.Source, _ = cmd.Flags().GetString("source")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Days, _ = cmd.Flags().GetInt("days")

		res, err := lead.NewEngine(st).DeriveBatch(ctx, st, filter)
		if err != nil {
			return eris.Wrap(err, "leads derive")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	leadsDeriveCmd.Flags().String("source", "", "only permits from this source")
	leadsDeriveCmd.Flags().Int("limit", 0, "max permits to process, newest first (0 = no limit)")
	leadsDeriveCmd.Flags().Int("days", 0, "only permits updated in the last N days (0 = no limit)")

	leadsCmd.AddCommand(leadsDeriveCmd)
	rootCmd.AddCommand(leadsCmd)
}
