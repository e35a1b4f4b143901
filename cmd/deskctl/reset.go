package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Check the billing-cycle reset window and reset the cycle counters when due",
		Long: `Asks the backend whether the billing cycle rolled over since the last reset and,
if so, resets the conversation counter. A business whose cycle did not roll
over is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireBusiness(); err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			st, err := a.session.Resets.CheckDue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "should reset: %s\n", st.ShouldReset)
			fmt.Fprintf(out, "last reset:   %s (%d days ago)\n", st.LastResetDate.Format("2006-01-02"), st.DaysSinceLastReset)
			fmt.Fprintf(out, "next reset:   %s (in %d days)\n", st.NextResetDate.Format("2006-01-02"), st.DaysUntilNextReset)
			if checkOnly || !st.Due() {
				return nil
			}

			res, err := a.session.Resets.ForceReset(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, res.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "only report the reset window")
	return cmd
}
