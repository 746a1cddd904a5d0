// Package monitor reports librarian health to the monitor-and-control
// system as periodically exported metrics. It is optional; deployments
// without an M&C consumer leave report_to_mandc off.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/replication"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// reportInterval matches the cadence the M&C side polls at.
const reportInterval = time.Minute

// Reporter owns the metric pipeline and the observable gauges.
type Reporter struct {
	logger   *slog.Logger
	provider *sdkmetric.MeterProvider
}

// New wires the gauges over the given collaborators and starts periodic
// export to stdout, where the M&C scraper picks it up.
func New(mgr *tasks.Manager, reg *store.Registry, engine *replication.Engine,
	logger *slog.Logger) (*Reporter, error) {
	logger = logging.Default(logger).With("component", "monitor")

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(reportInterval))),
	)
	meter := provider.Meter("github.com/hera-team/librarian")

	_, err = meter.Int64ObservableGauge("librarian.tasks.unfinished",
		metric.WithDescription("Background tasks not yet completed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(mgr.UnfinishedCount()))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge("librarian.uploads.inflight",
		metric.WithDescription("Standing-order uploads currently running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(engine.InflightCount()))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge("librarian.store.available_bytes",
		metric.WithDescription("Free space per store"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			for _, e := range reg.List() {
				attrs := metric.WithAttributes(
					attribute.String("store", e.Store.Name),
					attribute.Bool("available", e.Store.Available),
				)
				if !e.Store.Available {
					o.Observe(0, attrs)
					continue
				}
				info, err := e.SpaceInfo(ctx)
				if err != nil {
					logger.Warn("store space probe failed",
						"store", e.Store.Name, "error", err)
					continue
				}
				o.Observe(info.Available, attrs)
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	logger.Info("monitor reporting enabled", "interval", reportInterval)
	return &Reporter{logger: logger, provider: provider}, nil
}

// Shutdown flushes and stops the export pipeline.
func (r *Reporter) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
