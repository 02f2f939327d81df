package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/logger"
	metricspkg "github.com/tphakala/aedbatch/internal/observability/metrics"
)

// Endpoint serves the Prometheus scrape endpoint.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	log           logger.Logger
}

// NewEndpoint creates an Endpoint for the given metrics. It returns an
// error when the endpoint is disabled in the settings.
func NewEndpoint(settings *conf.MetricsSettings, metrics *Metrics, log logger.Logger) (*Endpoint, error) {
	if !settings.Enabled {
		return nil, fmt.Errorf("metrics endpoint not enabled in settings")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	mux := http.NewServeMux()
	metrics.RegisterHandlers(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Endpoint{
		server: &http.Server{
			Addr:              settings.Listen,
			Handler:           mux,
			ReadHeaderTimeout: metricspkg.ShutdownTimeout,
		},
		listenAddress: settings.Listen,
		metrics:       metrics,
		log:           log.Module("metrics"),
	}, nil
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (e *Endpoint) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Go(func() {
		e.log.Info("metrics endpoint starting", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics HTTP server error", logger.Error(err))
		}
	})

	wg.Go(func() {
		<-ctx.Done()
		e.gracefulShutdown()
	})
}

// Handler returns the endpoint's routes.
func (e *Endpoint) Handler() http.Handler {
	return e.server.Handler
}

// gracefulShutdown stops the server within metricspkg.ShutdownTimeout.
func (e *Endpoint) gracefulShutdown() {
	e.log.Info("stopping metrics endpoint")
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		e.log.Error("metrics endpoint shutdown error", logger.Error(err))
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
