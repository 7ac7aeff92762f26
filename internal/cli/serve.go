package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdawe/crewline/internal/engine"
	"github.com/tdawe/crewline/internal/gate"
	"github.com/tdawe/crewline/internal/server"
)

// NewServeCommand creates the serve command: the HTTP gateway.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the HTTP gateway: REST endpoints for executions and the SSE
stream fanning persisted stages out to viewers.

With --with-worker the process also claims and runs executions, which
is the single-process deployment. Without it, run "crewline work"
separately against the same store.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, withWorker)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the execution worker in this process")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, withWorker bool) error {
	rt, err := buildRuntime(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The timeout sweep runs in the gateway too: a gate whose waiting
	// worker died still resolves at its deadline.
	sweeper := gate.NewSweeper(rt.gate, rt.cfg.Gate.SweepInterval)
	go sweeper.Run(ctx)

	if withWorker {
		runner := engine.NewRunner(rt.engine, rt.cfg.Worker.Count, rt.cfg.Worker.ClaimInterval)
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker stopped", "error", err)
			}
		}()
	}

	srv := server.New(rt.store, rt.bus, rt.gate, rt.registry, rt.engine, rt.crews,
		rt.cfg.Server.HeartbeatInterval, rt.cfg.Server.StreamPollInterval)

	httpSrv := &http.Server{
		Addr:    rt.cfg.Server.Addr(),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", httpSrv.Addr, "with_worker", withWorker)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return WrapExitError(ExitCommandError, "http server", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown http server", err)
	}
	return nil
}
