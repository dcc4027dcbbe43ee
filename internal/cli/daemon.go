package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/daemon"
	"taskd/internal/seed"
	logx "taskd/pkg/logx"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler tick loop until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Seed.Path != "" {
				opts := seed.Options{
					HandlerKnown: a.registry.Has,
					ChannelKnown: a.router.Has,
					Log:          a.log,
				}
				defs, err := seed.Load(a.cfg.Seed.Path)
				if err != nil {
					a.log.Warn("seed file not loaded", logx.String("path", a.cfg.Seed.Path), logx.Err(err))
				} else {
					applied, err := seed.Apply(ctx, a.store, opts, defs, time.Now().UTC())
					if err != nil {
						return err
					}
					a.log.Info("seed applied", logx.Int("tasks", applied))
				}
				if a.cfg.Seed.Watch {
					w := seed.NewWatcher(a.cfg.Seed.Path, a.store, opts, a.log)
					go func() {
						if err := w.Watch(ctx); err != nil {
							a.log.Warn("seed watcher stopped", logx.Err(err))
						}
					}()
				}
			}

			d := daemon.New(daemon.Config{
				TickInterval: a.cfg.Scheduler.TickInterval(),
				Enabled:      a.cfg.Scheduler.Enabled,
			}, a.engine, a.bus, a.log)
			return d.Run(ctx)
		},
	}
}
