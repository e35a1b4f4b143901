package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "List or toggle which projects a user may answer",
	}
	cmd.AddCommand(newPermissionsListCmd(), newPermissionsToggleCmd())
	return cmd
}

func newPermissionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the permission records of the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireUser(); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROJECT\tCAN ANSWER\tPERMISSION ID")
			for _, rec := range a.session.Permissions.Records() {
				fmt.Fprintf(tw, "%d\t%t\t%s\n", rec.ProjectID, rec.CanAnswer, rec.PermissionID)
			}
			return tw.Flush()
		},
	}
}

func newPermissionsToggleCmd() *cobra.Command {
	var allow bool

	cmd := &cobra.Command{
		Use:   "toggle <projectId>",
		Short: "Allow or deny the user answering a project",
		Example: `  deskctl permissions toggle 42 --allow
  deskctl permissions toggle 42 --allow=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, ok := gousage.ParseProjectID(args[0])
			if !ok {
				return fmt.Errorf("invalid project id %q", args[0])
			}

			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireUser(); err != nil {
				return err
			}

			rec := gousage.PermissionRecord{ProjectID: projectID, CanAnswer: allow}
			for _, existing := range a.session.Permissions.Records() {
				if existing.ProjectID == projectID {
					rec.PermissionID = existing.PermissionID
				}
			}

			saved, err := a.session.TogglePermission(cmd.Context(), rec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %d: can answer %t (%s)\n", saved.ProjectID, saved.CanAnswer, saved.PermissionID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allow, "allow", true, "whether the user may answer the project")
	return cmd
}
