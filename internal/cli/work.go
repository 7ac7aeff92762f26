package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tdawe/crewline/internal/engine"
	"github.com/tdawe/crewline/internal/gate"
)

// NewWorkCommand creates the work command: the execution worker.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the execution worker",
		Long: `Run the execution worker: claims pending executions from the shared
store, resumes interrupted ones, and drives each through its crew's
tasks. Multiple workers may run against the same store; the claim
write guarantees each execution runs exactly once.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(cmd.Context(), rootOpts)
		},
	}

	return cmd
}

func runWork(ctx context.Context, opts *RootOptions) error {
	rt, err := buildRuntime(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := gate.NewSweeper(rt.gate, rt.cfg.Gate.SweepInterval)
	go sweeper.Run(ctx)

	runner := engine.NewRunner(rt.engine, rt.cfg.Worker.Count, rt.cfg.Worker.ClaimInterval)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "worker", err)
	}
	return nil
}
