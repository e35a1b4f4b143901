package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deskctl",
		Short: "Inspect plan usage, limits and answer permissions of a help-desk business",
		Long: `deskctl talks to the help-desk REST API (or an in-memory demo backend with --memory)
and shows how much of the subscription plan a business has used.

Every flag can also be set through a DESK_ environment variable
(--base-url becomes DESK_BASE_URL) or a config file passed with --config.`,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	bindFlags(root)

	root.AddCommand(
		newUsageCmd(),
		newCheckCmd(),
		newResetCmd(),
		newPermissionsCmd(),
		newServeCmd(),
	)
	return root
}
