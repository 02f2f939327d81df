package consume

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/app"
	"github.com/tphakala/aedbatch/internal/buildinfo"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/observability"
)

// Command creates the long-running worker command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume dispatched chunks and run detection",
		Long: `Consume chunks from the configured queues, run event detection on every
recording and write the results back until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringSlice("queues", nil, "Queues to consume, default every queue of every account")
	cmd.Flags().Int("concurrency", 0, "Recordings processed in parallel within a chunk")
	cmd.Flags().Bool("metrics", false, "Serve Prometheus metrics")
	cmd.Flags().String("listen", "", "Listen address of the metrics endpoint")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return applyFlags(cmd, settings)
	}

	return cmd
}

// applyFlags overrides loaded settings with the flags given on the command
// line.
func applyFlags(cmd *cobra.Command, settings *conf.Settings) error {
	f := cmd.Flags()
	var err error
	if f.Changed("queues") {
		if settings.Worker.Queues, err = f.GetStringSlice("queues"); err != nil {
			return err
		}
	}
	if f.Changed("concurrency") {
		if settings.Worker.Concurrency, err = f.GetInt("concurrency"); err != nil {
			return err
		}
	}
	if f.Changed("metrics") {
		if settings.Metrics.Enabled, err = f.GetBool("metrics"); err != nil {
			return err
		}
	}
	if f.Changed("listen") {
		if settings.Metrics.Listen, err = f.GetString("listen"); err != nil {
			return err
		}
	}
	return nil
}

// Run serves chunks until ctx is done.
func Run(ctx context.Context, settings *conf.Settings) (err error) {
	a, err := app.New(settings, buildinfo.Current())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	store, err := a.OpenStore()
	if err != nil {
		return err
	}
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	// cancel runs before the wait so the endpoint shuts down when Serve fails
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if settings.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(&settings.Metrics, metrics, a.Logger("metrics"))
		if err != nil {
			return err
		}
		endpoint.Start(ctx, &wg)
	}

	w, consumers, err := a.Worker(ctx, store, metrics)
	if err != nil {
		return err
	}

	a.Log.Info("worker started",
		logger.Int("consumers", len(consumers)),
		logger.Int("concurrency", settings.Worker.Concurrency))

	err = w.Serve(ctx, consumers...)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.Log.Info("worker stopped")
	return err
}
