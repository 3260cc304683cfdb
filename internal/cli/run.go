package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/projector"
	"github.com/provenir/imcore/internal/promoter"
	"github.com/provenir/imcore/internal/store"
	"github.com/provenir/imcore/internal/stream"
	"github.com/provenir/imcore/internal/worker"
)

// NewRunCommand creates the run command: both workers consuming the
// log until interrupted.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var ns string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the promoter and projector workers",
		Long: `Start both workers against the configured log and state databases.

The promoter consumes proposal and admin subjects; the projector
consumes the namespace's delta subjects. Both run until SIGINT or
SIGTERM, acknowledging each message only after it is fully settled.

Example:
  imcore run --ns acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), rootOpts, ns)
		},
	}

	cmd.Flags().StringVar(&ns, "ns", "", "namespace the projector follows (defaults to config)")
	return cmd
}

func runWorkers(parent context.Context, opts *RootOptions, ns string) error {
	if ns == "" {
		ns = opts.Cfg.Ns
	}
	logger := newLogger(opts)

	st, err := store.Open(opts.Cfg.StatePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer st.Close()

	log, err := stream.Open(opts.Cfg.LogPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open log database", err)
	}
	defer log.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := promoter.New(st, log, promoter.Options{
		PolicyVersion: opts.Cfg.PolicyVersion,
		Logger:        logger,
	})
	promConsumer, err := log.Consumer(ctx, "promoter", promoter.InputFilter)
	if err != nil {
		return WrapExitError(ExitCommandError, "create promoter consumer", err)
	}
	promConsumer.SetPollInterval(opts.Cfg.PollInterval)

	proj := projector.New(st, logger)
	projConsumer, err := log.Consumer(ctx, "projector-"+ns, event.DeltaFilter(ns))
	if err != nil {
		return WrapExitError(ExitCommandError, "create projector consumer", err)
	}
	projConsumer.SetPollInterval(opts.Cfg.PollInterval)

	logger.Info("workers starting",
		"ns", ns,
		"log", opts.Cfg.LogPath,
		"state", opts.Cfg.StatePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.New("promoter", promConsumer, prom.Handler(), logger).Run(gctx)
	})
	g.Go(func() error {
		return worker.New("projector", projConsumer, proj.Handler(), logger).Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "worker failed", err)
	}
	logger.Info("workers stopped")
	return nil
}
