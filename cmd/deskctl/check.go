package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

func newCheckCmd() *cobra.Command {
	var departments int64

	cmd := &cobra.Command{
		Use:   "check <metric>",
		Short: "Check whether one more conversation, expert, department or project fits the plan",
		Example: `  deskctl check project
  deskctl check projects --departments 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metric, err := gousage.ParseMetric(args[0])
			if err != nil {
				return err
			}

			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireBusiness(); err != nil {
				return err
			}

			var opts []gousage.CheckOption
			if cmd.Flags().Changed("departments") {
				opts = append(opts, gousage.WithDepartmentCount(departments))
			}
			res := a.session.Ledger.CheckOperationAllowed(metric, opts...)
			if !res.Allowed {
				return fmt.Errorf("%w: %s", gousage.ErrLimitExceeded, res.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allowed: %s %d/%s\n", metric, res.Current, formatLimit(res.Limit))
			return nil
		},
	}
	cmd.Flags().Int64Var(&departments, "departments", 0, "department count used to scale the projects limit")
	return cmd
}

func formatLimit(limit int64) string {
	if limit == gousage.Unlimited {
		return "Unlimited"
	}
	return fmt.Sprint(limit)
}
