package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/metrics"
	"github.com/oshokin/ota-client/internal/service/orchestrator"
)

const shutdownTimeout = 5 * time.Second

var (
	// metricsAddress overrides the configured metrics listen address.
	metricsAddress string

	// watchCmd keeps the client running and refreshes it when the sysroot changes.
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow deployment changes and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsAddress != "" {
				settings.MetricsAddress = metricsAddress
			}

			return watch(cmd.Context())
		},
	}
)

// watch initializes the client, then follows the sysroot until ctx ends.
func watch(ctx context.Context) error {
	ctx = logger.WithName(ctx, "watch")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := orchestrator.New(settings, orchestrator.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for ev := range client.Events() {
			logEvent(logger.WithKV(gctx, "request_id", ev.Request()), ev)

			if finished, ok := ev.(orchestrator.Finished); ok {
				logger.InfoKV(gctx, "Operation finished",
					"request_id", ev.Request(),
					"success", finished.Succeeded())
			}
		}

		return nil
	})

	if settings.MetricsAddress != "" {
		server := &http.Server{
			Addr:              settings.MetricsAddress,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: settings.Timeout,
		}

		group.Go(func() error {
			logger.InfoKV(gctx, "Serving metrics", "address", settings.MetricsAddress)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		group.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer cancel()

		defer func() {
			_ = client.Close()
		}()

		if _, err := client.Initialize(); err != nil {
			return err
		}

		return client.Watch(gctx)
	})

	return group.Wait()
}

// metricsMux serves the registry on /metrics.
func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	return mux
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	watchCmd.Flags().StringVar(&metricsAddress, "metrics-addr", "", "listen address of the metrics endpoint, e.g. :9100")
}
