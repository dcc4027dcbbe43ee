package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/schedule"
	"taskd/internal/seed"
	"taskd/internal/task"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskEnableCmd(true))
	cmd.AddCommand(taskEnableCmd(false))
	cmd.AddCommand(taskRemoveCmd())
	cmd.AddCommand(taskImportCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var (
		description    string
		scheduleType   string
		scheduleConfig string
		handlerType    string
		handlerConfig  string
		channel        string
		deliveryConfig string
		disabled       bool
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create or replace a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("task name must not be empty")
			}
			if !a.registry.Has(handlerType) {
				return fmt.Errorf("unknown handler type %q (have: %s)",
					handlerType, strings.Join(a.registry.Types(), ", "))
			}
			if channel != "" && !a.router.Has(channel) {
				return fmt.Errorf("unknown delivery channel %q (have: %s)",
					channel, strings.Join(a.router.Channels(), ", "))
			}
			for flag, raw := range map[string]string{
				"--schedule":        scheduleConfig,
				"--handler-config":  handlerConfig,
				"--delivery-config": deliveryConfig,
			} {
				if raw != "" && !json.Valid([]byte(raw)) {
					return fmt.Errorf("%s is not valid JSON", flag)
				}
			}

			st := task.ScheduleType(scheduleType)
			next, err := schedule.NextRun(st, scheduleConfig, time.Now().UTC())
			if err != nil {
				return err
			}

			saved, err := a.store.Upsert(ctx, task.ScheduledTask{
				Name:            name,
				Description:     description,
				ScheduleType:    st,
				ScheduleConfig:  scheduleConfig,
				HandlerType:     handlerType,
				HandlerConfig:   handlerConfig,
				Enabled:         !disabled,
				NextRunAt:       next,
				DeliveryChannel: channel,
				DeliveryConfig:  deliveryConfig,
			})
			if err != nil {
				return err
			}
			cmd.Printf("task %q saved (id=%d, next run %s)\n", saved.Name, saved.ID, formatNextRun(saved.NextRunAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&scheduleType, "type", "interval", "schedule type: interval, cron or once")
	cmd.Flags().StringVar(&scheduleConfig, "schedule", "{}", "schedule config JSON, e.g. '{\"minutes\":5}' or '{\"expression\":\"0 3 * * *\"}'")
	cmd.Flags().StringVar(&handlerType, "handler", "custom", "handler type tag")
	cmd.Flags().StringVar(&handlerConfig, "handler-config", "{}", "handler config JSON, e.g. '{\"command\":\"echo hi\"}'")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel (optional)")
	cmd.Flags().StringVar(&deliveryConfig, "delivery-config", "", "delivery config JSON (optional)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the task disabled")
	return cmd
}

func taskListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.List(ctx, enabledOnly)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				cmd.Println("no tasks")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tHANDLER\tENABLED\tNEXT RUN\tLAST RUN")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
					t.ID, t.Name, t.ScheduleType, t.HandlerType, t.Enabled,
					formatNextRun(t.NextRunAt), formatNextRun(t.LastRunAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "show only enabled tasks")
	return cmd
}

func taskEnableCmd(enable bool) *cobra.Command {
	use, short, verb := "enable NAME", "Enable a task", "enabled"
	if !enable {
		use, short, verb = "disable NAME", "Disable a task", "disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.store.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetEnabled(ctx, t.ID, enable); err != nil {
				return err
			}
			// Re-enabling a task whose next run was never computed (or whose
			// one-shot already fired) needs a fresh schedule.
			if enable && t.NextRunAt == nil {
				next, err := schedule.NextRun(t.ScheduleType, t.ScheduleConfig, time.Now().UTC())
				if err == nil && next != nil {
					if err := a.store.SetNextRun(ctx, t.ID, next); err != nil {
						return err
					}
				}
			}
			cmd.Printf("task %q %s\n", t.Name, verb)
			return nil
		},
	}
}

func taskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove", "delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.store.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			deleted, err := a.store.Delete(ctx, t.ID)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("task %q not found", args[0])
			}
			cmd.Printf("task %q deleted\n", t.Name)
			return nil
		},
	}
}

func taskImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import task definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			defs, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			applied, err := seed.Apply(ctx, a.store, seed.Options{
				HandlerKnown: a.registry.Has,
				ChannelKnown: a.router.Has,
				Log:          a.log,
			}, defs, time.Now().UTC())
			if err != nil {
				return err
			}
			cmd.Printf("%d task(s) imported\n", applied)
			return nil
		},
	}
}

func formatNextRun(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
