package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show current usage against the plan limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireBusiness(); err != nil {
				return err
			}

			ledger := a.session.Ledger
			snap := ledger.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "business %s, as of %s\n\n", a.opts.BusinessID, snap.AsOf.Format("2006-01-02 15:04:05"))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METRIC\tCURRENT\tLIMIT\tREMAINING\tUSED")
			for _, m := range gousage.AllMetrics {
				limit := "Unlimited"
				if !ledger.IsUnlimited(m) {
					limit = fmt.Sprint(ledger.Limits().Limit(m, ledger.Current(gousage.MetricDepartments)))
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.0f%%\n",
					m, ledger.Current(m), limit, ledger.Remaining(m), ledger.UsagePercentage(m))
			}
			return tw.Flush()
		},
	}
}
