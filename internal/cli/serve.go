package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/errand/internal/scheduler"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Drain int
}

type drainResult struct {
	Sweeps int `json:"sweeps"`
}

func (r drainResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "drained after %d sweep(s)\n", r.Sweeps)
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Long: `Sweep on scheduler.interval: resume due retries, tick ready and running
runs, and tick running missions. Stops on SIGINT or SIGTERM.

With --drain N, sweep back to back until nothing is left to advance without a
user (or N sweeps), print the count and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Drain, "drain", 0, "sweep until idle or N sweeps, then exit")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	return withEnv(opts.RootOptions, cmd, func(e *env) error {
		sched := scheduler.New(e.engine, e.missions,
			scheduler.WithInterval(e.cfg.Scheduler.Interval),
			scheduler.WithSweepLimit(e.cfg.Scheduler.SweepLimit),
			scheduler.WithLogger(e.logger.Named("scheduler")),
		)

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}

		if opts.Drain > 0 {
			n, err := sched.Drain(parent, opts.Drain)
			if err != nil {
				return failFor(e.out, "drain", err)
			}
			return e.out.Success(drainResult{Sweeps: n})
		}

		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		e.logger.Info("serving",
			zap.String("db", e.cfg.Database),
			zap.Duration("interval", e.cfg.Scheduler.Interval),
			zap.Int("sweep_limit", e.cfg.Scheduler.SweepLimit),
		)
		if err := sched.Run(ctx); err != nil {
			return failFor(e.out, "serve", err)
		}
		e.logger.Info("stopped")
		return nil
	})
}
