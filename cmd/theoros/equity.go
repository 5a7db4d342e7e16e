package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newEquityCmd(ro *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "equity",
		Short: "Print the reconstructed equity curve as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), ro.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if days == 0 {
				days = ro.cfg.Equity.DefaultDays
			}
			curve, err := a.equity.EquityHistory(cmd.Context(), days)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(curve)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Trading days of history (default from config, 252)")
	return cmd
}
