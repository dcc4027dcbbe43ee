// Package cli wires the command-line surface: the long-running daemon, a
// one-shot tick, and task management subcommands.
package cli

import (
	"github.com/spf13/cobra"
)

// Execute runs the root command. Startup failures (unreachable store,
// invalid configuration) surface as a non-zero exit status.
func Execute() error {
	root := &cobra.Command{
		Use:           "taskd",
		Short:         "Scheduled task engine",
		Long:          "taskd runs scheduled tasks: cron, fixed-interval and one-shot, with command handlers and optional result delivery.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(daemonCmd())
	root.AddCommand(tickCmd())
	root.AddCommand(taskCmd())

	return root.Execute()
}
