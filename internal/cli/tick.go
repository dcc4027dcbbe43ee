package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate all currently due tasks once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.engine.EvaluateWithTimeout(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if len(results) == 0 {
				cmd.Println("no tasks due")
				return nil
			}
			for _, r := range results {
				line := r.Status
				if r.Error != "" {
					line += ": " + r.Error
				}
				cmd.Printf("%s\t%s\n", r.Name, line)
			}
			return nil
		},
	}
}
